package model

import (
	"fmt"
	"strings"
)

// Mode selects how sources are enumerated and how their records are retrieved
type Mode string

const (
	ModeBulkArchive Mode = "bulk-archive" // WARC archives streamed end to end
	ModeIndexShard  Mode = "index-shard"  // CDX shards, payloads fetched by byte range
	ModeLocalFile   Mode = "local-file"   // WARC archives in a local directory
	ModeIndexAPI    Mode = "index-api"    // CDX server query, payloads fetched by byte range
)

// Modes lists every supported mode in display order
var Modes = []Mode{ModeBulkArchive, ModeIndexShard, ModeLocalFile, ModeIndexAPI}

// ParseMode parses a mode name. A few legacy aliases are accepted.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bulk-archive", "archive", "warc", "http", "aws":
		return ModeBulkArchive, nil
	case "index-shard", "index", "cdx":
		return ModeIndexShard, nil
	case "local-file", "local":
		return ModeLocalFile, nil
	case "index-api", "api":
		return ModeIndexAPI, nil
	default:
		return "", fmt.Errorf("unknown mode %q (supported: bulk-archive, index-shard, local-file, index-api)", s)
	}
}

// Streams reports whether records of this mode carry their payload inline
func (m Mode) Streams() bool {
	return m == ModeBulkArchive || m == ModeLocalFile
}

func (m Mode) String() string {
	return string(m)
}

// Source is one enumerated unit of work: an archive, shard or local file
type Source struct {
	ID   string `json:"id"`   // URL or path
	Mode Mode   `json:"mode"` // Retrieval mode the source was enumerated for
}

func (s Source) String() string {
	return s.ID
}
