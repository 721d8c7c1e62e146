package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
)

// contentTypeFile marks a content item as a downloadable file in the
// listing response.
const contentTypeFile = "file"

// FileDescriptor is one downloadable file flattened out of the nested
// listing response. The module fields preserve where the file came from for
// traceability.
type FileDescriptor struct {
	Filename     string `json:"filename"`
	Filepath     string `json:"filepath,omitempty"`
	FileURL      string `json:"fileurl"`
	Size         int64  `json:"filesize"`
	TimeModified int64  `json:"timemodified,omitempty"`
	ModuleName   string `json:"module_name,omitempty"`
	ModuleKind   string `json:"module_kind,omitempty"`
}

// Listing response shape: sections contain modules contain content items.
type listedSection struct {
	Modules []listedModule `json:"modules"`
}

type listedModule struct {
	Name     string          `json:"name"`
	ModName  string          `json:"modname"`
	Contents []listedContent `json:"contents"`
}

type listedContent struct {
	Type         string `json:"type"`
	Filename     string `json:"filename"`
	Filepath     string `json:"filepath"`
	FileURL      string `json:"fileurl"`
	Filesize     int64  `json:"filesize"`
	TimeModified int64  `json:"timemodified"`
}

// ListFiles enumerates the downloadable files of a course by calling the
// course contents function and flattening its nested result. Only items
// typed as files with a non-empty download reference are kept. The returned
// slice is finite and not restartable; re-enumeration requires a fresh
// call. Any cap on the result is the caller's policy, not applied here.
func (c *Client) ListFiles(ctx context.Context, issuer, bearer, courseID string) ([]FileDescriptor, error) {
	raw, err := c.Call(ctx, issuer, bearer, "core_course_get_contents",
		url.Values{"courseid": {courseID}})
	if err != nil {
		return nil, err
	}

	var sections []listedSection
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, fmt.Errorf("source: decoding course contents: %w", err)
	}

	var files []FileDescriptor

	for _, section := range sections {
		for _, mod := range section.Modules {
			for _, content := range mod.Contents {
				if content.Type != contentTypeFile || content.FileURL == "" {
					continue
				}

				files = append(files, FileDescriptor{
					Filename:     content.Filename,
					Filepath:     content.Filepath,
					FileURL:      content.FileURL,
					Size:         content.Filesize,
					TimeModified: content.TimeModified,
					ModuleName:   mod.Name,
					ModuleKind:   mod.ModName,
				})
			}
		}
	}

	c.logger.Info("source: course files enumerated",
		slog.String("issuer", issuer),
		slog.String("course_id", courseID),
		slog.Int("files", len(files)),
	)

	return files, nil
}
