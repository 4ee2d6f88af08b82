package miner

import (
	"regexp"
	"strings"
)

var wordPattern = regexp.MustCompile(`[A-Za-z0-9']+`)

// tokenize lowercases s and splits it into word tokens using the
// canonical word rule ([A-Za-z0-9']+).
func tokenize(s string) []string {
	return wordPattern.FindAllString(strings.ToLower(s), -1)
}
