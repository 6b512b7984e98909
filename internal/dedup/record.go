package dedup

import "time"

// ArtifactMeta describes the processed artifact stored for a digest.
type ArtifactMeta struct {
	ByteSize         int64   `json:"byte_size"`
	MimeType         string  `json:"mime_type,omitempty"`
	Locator          string  `json:"locator"`
	URL              string  `json:"url"`
	OwnerID          string  `json:"owner_id,omitempty"`
	DisplayName      string  `json:"display_name,omitempty"`
	Compressed       bool    `json:"compressed"`
	OriginalSize     int64   `json:"original_size"`
	CompressedSize   int64   `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	CompressedHash   string  `json:"compressed_hash,omitempty"`
}

// Record is one registry row.
type Record struct {
	ID             int64     `json:"id"`
	Hash           string    `json:"hash"`
	AccessCount    int64     `json:"access_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ArtifactMeta
}

// Savings returns the bytes saved by compression, or 0 for copied artifacts.
func (r Record) Savings() int64 {
	if !r.Compressed || r.CompressedSize >= r.OriginalSize {
		return 0
	}
	return r.OriginalSize - r.CompressedSize
}

// Stats aggregates storage metrics across all records.
type Stats struct {
	TotalFiles              int     `json:"total_files"`
	TotalSize               int64   `json:"total_size"`
	CompressedFiles         int     `json:"compressed_files"`
	TotalCompressionSavings int64   `json:"total_compression_savings"`
	AverageCompressionRatio float64 `json:"average_compression_ratio"`
	AverageFileSize         float64 `json:"average_file_size"`
}
