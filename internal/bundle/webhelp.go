package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// IngestResult describes what an uploaded archive contained.
type IngestResult struct {
	SubFolder string   `json:"subFolder,omitempty"`
	Title     string   `json:"title,omitempty"`
	Topics    []string `json:"topics"`
}

// Ingest extracts a webhelp archive into storage under documentID/vN/. When
// the archive wraps everything in a single top-level folder, that folder is
// stripped from the stored keys and reported as SubFolder. The document
// title is read from the bundle's index.html.
func Ingest(ctx context.Context, st Storage, documentID string, version int, archive []byte) (IngestResult, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return IngestResult{}, fmt.Errorf("open archive: %w", err)
	}

	var files []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") || path.IsAbs(name) || strings.Contains(name, "\\") {
			return IngestResult{}, fmt.Errorf("archive entry %q escapes the bundle", f.Name)
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return IngestResult{}, fmt.Errorf("archive contains no files")
	}

	result := IngestResult{SubFolder: detectSubFolder(files)}
	prefix := fmt.Sprintf("%s/v%d/", documentID, version)

	for _, f := range files {
		rel := path.Clean(f.Name)
		if result.SubFolder != "" {
			rel = strings.TrimPrefix(rel, result.SubFolder+"/")
		}

		rc, err := f.Open()
		if err != nil {
			return IngestResult{}, fmt.Errorf("open archive entry %s: %w", f.Name, err)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			_ = rc.Close()
			return IngestResult{}, fmt.Errorf("read archive entry %s: %w", f.Name, err)
		}
		_ = rc.Close()

		if isTopic(rel) {
			result.Topics = append(result.Topics, rel)
		}
		if rel == "index.html" || rel == "index.htm" {
			result.Title = extractTitle(buf.Bytes())
		}

		contentType := mime.TypeByExtension(path.Ext(rel))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := st.Put(ctx, prefix+rel, bytes.NewReader(buf.Bytes()), int64(buf.Len()), contentType); err != nil {
			return IngestResult{}, err
		}
	}

	sort.Strings(result.Topics)
	return result, nil
}

// detectSubFolder returns the shared top-level folder, or "" when files sit
// at the archive root or under more than one folder.
func detectSubFolder(files []*zip.File) string {
	folder := ""
	for _, f := range files {
		name := path.Clean(f.Name)
		i := strings.IndexByte(name, '/')
		if i < 0 {
			return ""
		}
		top := name[:i]
		if folder == "" {
			folder = top
			continue
		}
		if top != folder {
			return ""
		}
	}
	return folder
}

func isTopic(rel string) bool {
	ext := strings.ToLower(path.Ext(rel))
	return ext == ".html" || ext == ".htm"
}

// extractTitle returns the text of the first <title> element, falling back
// to the first <h1>.
func extractTitle(markup []byte) string {
	doc, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return ""
	}
	if t := findElementText(doc, "title"); t != "" {
		return t
	}
	return findElementText(doc, "h1")
}

func findElementText(root *html.Node, tag string) string {
	var found string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == tag {
			found = strings.TrimSpace(nodeText(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// TopicKey is the storage key of one topic in one document version.
func TopicKey(documentID string, version int, topic string) string {
	return fmt.Sprintf("%s/v%d/%s", documentID, version, topic)
}
