// Package wordcloud accumulates word frequencies from in-scope events.
// The cloud feeds wordlist generation for later scans and can be persisted
// between runs.
package wordcloud

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ferretsec/ferret/types"
)

// minWordLength filters out fragments too short to be useful in wordlists.
const minWordLength = 3

// Cloud is a thread-safe word frequency accumulator.
type Cloud struct {
	mu    sync.Mutex
	words map[string]int
}

// New creates an empty word cloud.
func New() *Cloud {
	return &Cloud{words: make(map[string]int)}
}

// AbsorbEvent splits the event's host and data into words and counts them.
func (c *Cloud) AbsorbEvent(e *types.Event) {
	if e == nil {
		return
	}
	c.AbsorbText(e.Host)
	if e.Data != e.Host {
		c.AbsorbText(e.Data)
	}
}

// AbsorbText splits free text into words and counts them.
func (c *Cloud) AbsorbText(text string) {
	for _, word := range splitWords(text) {
		c.AbsorbWord(word)
	}
}

// AbsorbWord counts a single word.
func (c *Cloud) AbsorbWord(word string) {
	word = strings.ToLower(word)
	if len(word) < minWordLength || isNumeric(word) {
		return
	}
	c.mu.Lock()
	c.words[word]++
	c.mu.Unlock()
}

// Len returns the number of distinct words.
func (c *Cloud) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.words)
}

// Count returns the count for one word.
func (c *Cloud) Count(word string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.words[strings.ToLower(word)]
}

// WordCount pairs a word with its frequency.
type WordCount struct {
	Word  string
	Count int
}

// Top returns the n most frequent words, most frequent first. Ties break
// alphabetically so the result is deterministic.
func (c *Cloud) Top(n int) []WordCount {
	c.mu.Lock()
	out := make([]WordCount, 0, len(c.words))
	for w, count := range c.words {
		out = append(out, WordCount{Word: w, Count: count})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Word < out[j].Word
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Save persists the cloud to a YAML file.
func (c *Cloud) Save(path string) error {
	c.mu.Lock()
	snapshot := make(map[string]int, len(c.words))
	for w, n := range c.words {
		snapshot[w] = n
	}
	c.mu.Unlock()

	data, err := yaml.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("word cloud marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load merges a previously saved cloud from a YAML file.
func (c *Cloud) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var loaded map[string]int
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("word cloud unmarshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for w, n := range loaded {
		c.words[w] += n
	}
	return nil
}

func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		}
		return true
	})
}

func isNumeric(word string) bool {
	for _, r := range word {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
