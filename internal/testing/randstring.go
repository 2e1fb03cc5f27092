package testing

import (
	"math/rand"
	"strings"

	"teamchat-core/internal/model"
)

const charSet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandString generates random string of length n from lower- and uppercase alphabet
func RandString(n int) string {
	var out strings.Builder
	out.Grow(n)
	for i := 0; i < n; i++ {
		out.WriteByte(charSet[rand.Intn(len(charSet))])
	}
	return out.String()
}

// RandMessage returns a plain message of a few random words
func RandMessage() model.MessageInput {
	words := make([]string, 1+rand.Intn(5))
	for i := range words {
		words[i] = RandString(1 + rand.Intn(8))
	}
	return model.MessageInput{Text: strings.Join(words, " ")}
}
