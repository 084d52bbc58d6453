package seed

import "time"

// File is the root structure of a seed file.
type File struct {
	Links []LinkEntry `yaml:"links"`
}

// LinkEntry is one link of the seed file. Only url is required.
type LinkEntry struct {
	ID          string    `yaml:"id,omitempty"`
	URL         string    `yaml:"url"`
	Description string    `yaml:"description,omitempty"`
	CreatedAt   time.Time `yaml:"created_at,omitempty"`
	PostedBy    *UserRef  `yaml:"posted_by,omitempty"`
	Voters      []string  `yaml:"voters,omitempty"`
}

// UserRef is the author of a seeded link.
type UserRef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}
