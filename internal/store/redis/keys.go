package redis

import "fmt"

const (
	// KeyPrefixItem is the prefix for item snapshot keys
	KeyPrefixItem = "linkfeed:item:"
	// KeyAllItems is the key for the set of all snapshotted item IDs
	KeyAllItems = "linkfeed:items:all"
	// KeySnapshotMeta holds the time and size of the last snapshot
	KeySnapshotMeta = "linkfeed:snapshot:meta"
)

// ItemKey returns the Redis key for an item by ID
func ItemKey(id string) string {
	return KeyPrefixItem + id
}

// AllItemsKey returns the key for the set of all item IDs
func AllItemsKey() string {
	return KeyAllItems
}

// ExtractItemID extracts the item ID from a Redis key
func ExtractItemID(key string) (string, error) {
	if len(key) <= len(KeyPrefixItem) || key[:len(KeyPrefixItem)] != KeyPrefixItem {
		return "", fmt.Errorf("invalid item key: %s", key)
	}
	return key[len(KeyPrefixItem):], nil
}
