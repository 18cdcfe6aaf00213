package keys

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Store persists the credential list
type Store interface {
	// LoadCredentials returns the stored keys in insertion order
	LoadCredentials() ([]string, error)

	// SaveCredentials replaces the stored keys
	SaveCredentials(keys []string) error

	// AddCredential appends a key, returning false if it already exists
	AddCredential(key string) (bool, error)

	// RemoveCredential deletes a key, returning false if it was not stored
	RemoveCredential(key string) (bool, error)
}

// ReadKeysFile reads one key per line, skipping blank lines and # comments
func ReadKeysFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keys file: %w", err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading keys file: %w", err)
	}
	return keys, nil
}

// Import merges every key from a keys file into store and returns how many
// were new. The merged list is written back with a single save.
func Import(store Store, path string) (int, error) {
	keys, err := ReadKeysFile(path)
	if err != nil {
		return 0, err
	}

	merged, err := store.LoadCredentials()
	if err != nil {
		return 0, fmt.Errorf("loading stored keys: %w", err)
	}
	added := 0
	for _, k := range keys {
		if slices.Contains(merged, k) {
			continue
		}
		merged = append(merged, k)
		added++
	}
	if added == 0 {
		return 0, nil
	}

	if err := store.SaveCredentials(merged); err != nil {
		return 0, fmt.Errorf("saving imported keys: %w", err)
	}
	return added, nil
}
