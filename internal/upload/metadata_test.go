package upload

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubeworks/tubeup/internal/config"
	"github.com/tubeworks/tubeup/internal/store"
)

func validJob() *store.Job {
	return &store.Job{
		Title:         "A perfectly fine title",
		Description:   "Some description",
		Tags:          []string{"one", "two"},
		CategoryID:    "22",
		PrivacyStatus: "private",
	}
}

func TestValidateMetadata(t *testing.T) {
	assert.NoError(t, ValidateMetadata(validJob()))

	tests := []struct {
		name   string
		mutate func(*store.Job)
	}{
		{"empty title", func(j *store.Job) { j.Title = "   " }},
		{"title too long", func(j *store.Job) { j.Title = strings.Repeat("x", MaxTitleLen+1) }},
		{"title with angle brackets", func(j *store.Job) { j.Title = "hello <script>" }},
		{"description too long", func(j *store.Job) { j.Description = strings.Repeat("x", MaxDescriptionLen+1) }},
		{"description with angle brackets", func(j *store.Job) { j.Description = "a <b> c" }},
		{"too many tags", func(j *store.Job) {
			j.Tags = make([]string, MaxTags+1)
			for i := range j.Tags {
				j.Tags[i] = "t"
			}
		}},
		{"tag too long", func(j *store.Job) { j.Tags = []string{strings.Repeat("x", MaxTagLen+1)} }},
		{"bad privacy", func(j *store.Job) { j.PrivacyStatus = "secret" }},
		{"bad category", func(j *store.Job) { j.CategoryID = "999" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := validJob()
			tt.mutate(j)
			assert.ErrorIs(t, ValidateMetadata(j), ErrInvalidMetadata)
		})
	}
}

func TestValidateMetadataBoundaries(t *testing.T) {
	j := validJob()
	j.Title = strings.Repeat("x", MaxTitleLen)
	j.Description = strings.Repeat("x", MaxDescriptionLen)
	j.Tags = []string{strings.Repeat("x", MaxTagLen)}

	assert.NoError(t, ValidateMetadata(j), "exact ceilings are allowed")
}

func TestValidateFile(t *testing.T) {
	cfg := config.UploadConfig{
		MaxFileSize:       100,
		AllowedExtensions: []string{"mp4", "webm"},
		AllowedMIMETypes:  []string{"video/mp4", "video/webm"},
	}

	dir := t.TempDir()

	good := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(good, []byte("data"), 0o644))

	size, mimeType, err := ValidateFile(good, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)
	assert.Equal(t, "video/mp4", mimeType)

	t.Run("missing file", func(t *testing.T) {
		_, _, err := ValidateFile(filepath.Join(dir, "nope.mp4"), cfg)
		assert.ErrorIs(t, err, ErrInvalidFile)
	})

	t.Run("empty file", func(t *testing.T) {
		empty := filepath.Join(dir, "empty.mp4")
		require.NoError(t, os.WriteFile(empty, nil, 0o644))

		_, _, err := ValidateFile(empty, cfg)
		assert.ErrorIs(t, err, ErrInvalidFile)
	})

	t.Run("oversize file", func(t *testing.T) {
		big := filepath.Join(dir, "big.mp4")
		require.NoError(t, os.WriteFile(big, make([]byte, 101), 0o644))

		_, _, err := ValidateFile(big, cfg)
		assert.ErrorIs(t, err, ErrInvalidFile)
	})

	t.Run("disallowed extension", func(t *testing.T) {
		exe := filepath.Join(dir, "video.exe")
		require.NoError(t, os.WriteFile(exe, []byte("data"), 0o644))

		_, _, err := ValidateFile(exe, cfg)
		assert.ErrorIs(t, err, ErrInvalidFile)
	})

	t.Run("extension case insensitive", func(t *testing.T) {
		upper := filepath.Join(dir, "video.MP4")
		require.NoError(t, os.WriteFile(upper, []byte("data"), 0o644))

		_, _, err := ValidateFile(upper, cfg)
		assert.NoError(t, err)
	})
}

func TestMIMEForFile(t *testing.T) {
	assert.Equal(t, "video/mp4", MIMEForFile("clip.mp4"))
	assert.Equal(t, "video/x-matroska", MIMEForFile("clip.MKV"))
	assert.Equal(t, "application/octet-stream", MIMEForFile("clip.bin"))
}

func TestTitleFromFile(t *testing.T) {
	assert.Equal(t, "my great video", TitleFromFile("/drop/my_great_video.mp4"))
	assert.Equal(t, "holiday clip 2026", TitleFromFile("holiday-clip-2026.webm"))
	assert.Equal(t, "Untitled upload", TitleFromFile(".mp4"))

	long := strings.Repeat("a", 150) + ".mp4"
	assert.Len(t, TitleFromFile(long), MaxTitleLen)
}
