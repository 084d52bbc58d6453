package seed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
)

// Mapper converts seed entries to domain items
type Mapper struct {
	now func() time.Time
}

// NewMapper creates a new mapper instance
func NewMapper() *Mapper {
	return &Mapper{now: time.Now}
}

// MapLinks converts a seed file to items. Entries without a valid absolute
// url are skipped; an empty result is an error.
func (m *Mapper) MapLinks(file File) ([]*domain.Item, error) {
	items := make([]*domain.Item, 0, len(file.Links))
	seen := make(map[string]bool, len(file.Links))
	loadedAt := m.now().UTC()

	for i, entry := range file.Links {
		href := strings.TrimSpace(entry.URL)
		if href == "" {
			continue
		}
		u, err := url.Parse(href)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}

		id := entry.ID
		if id == "" {
			id = generateLinkID(href)
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		// Undated entries keep file order: later entries are newer.
		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = loadedAt.Add(time.Duration(i-len(file.Links)) * time.Second)
		}

		var by *domain.UserRef
		if entry.PostedBy != nil && entry.PostedBy.ID != "" {
			by = &domain.UserRef{ID: entry.PostedBy.ID, Name: entry.PostedBy.Name}
		}

		votes := make([]domain.Vote, 0, len(entry.Voters))
		for _, voter := range entry.Voters {
			if voter == "" {
				continue
			}
			votes = append(votes, domain.Vote{ID: id + ":" + voter, Voter: domain.UserRef{ID: voter}})
		}

		items = append(items, domain.NewItem(id, createdAt, domain.Payload{
			URL:         href,
			Description: strings.TrimSpace(entry.Description),
		}, by, votes...))
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no valid links found in seed file")
	}
	return items, nil
}

// generateLinkID creates a stable ID from a URL, so reloading the same file
// never duplicates a link.
func generateLinkID(url string) string {
	hash := sha256.Sum256([]byte(url))
	return hex.EncodeToString(hash[:])[:16]
}
