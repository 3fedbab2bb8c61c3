package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airframesio/channel-archiver/cmd/formatters"
)

func TestClassifyArtifact(t *testing.T) {
	tests := []struct {
		path    string
		want    artifactKind
		wantErr error
	}{
		{
			path: "archive/bendoregon_posts.parquet",
			want: artifactKind{contentType: ContentPosts, format: "parquet", compression: "none"},
		},
		{
			path: "archive/bendoregon_replies.jsonl.zst",
			want: artifactKind{contentType: ContentReplies, format: "jsonl", compression: "zstd"},
		},
		{
			path: "bendoregon_posts.chunk_00003.csv.gz",
			want: artifactKind{contentType: ContentPosts, format: "csv", compression: "gzip"},
		},
		{
			path: "bendoregon_replies.jsonl.lz4",
			want: artifactKind{contentType: ContentReplies, format: "jsonl", compression: "lz4"},
		},
		{
			path: "bendoregon_posts.jsonl",
			want: artifactKind{contentType: ContentPosts, format: "jsonl", compression: "none"},
		},
		{
			path:    "archive/notes.txt",
			wantErr: ErrInspectUnknownType,
		},
		{
			path:    "bendoregon_posts.avro",
			wantErr: ErrInspectUnknownFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := classifyArtifact(tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("classifyArtifact() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("classifyArtifact() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestInspectArtifact(t *testing.T) {
	codec, err := formatters.NewJSONLCodec[PrimaryRecord]("none", 0)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "bendoregon_posts.jsonl")
	writeEncodedChunk(t, codec, path, []PrimaryRecord{
		{ID: "a", Channel: "bendoregon", CreatedUTC: 300},
		{ID: "b", Channel: "bendoregon", CreatedUTC: 200},
		{ID: "c", Channel: "bendoregon", CreatedUTC: 100},
	})

	outPath := filepath.Join(dir, "out.txt")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := inspectArtifact(path, 2, out); err != nil {
		t.Fatalf("inspectArtifact() error = %v", err)
	}
	out.Close()

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "3 rows\n") {
		t.Errorf("output does not start with the row count: %q", text)
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) != 3 {
		t.Errorf("output has %d lines, want count plus 2 sample rows", len(lines))
	}
	if !strings.Contains(lines[1], `"id":"a"`) || !strings.Contains(lines[2], `"id":"b"`) {
		t.Errorf("sample rows wrong: %q", lines[1:])
	}
}
