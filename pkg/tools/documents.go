package tools

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/capability"
)

// csvToText renders the first rows of a CSV attachment as chat text.
type csvToText struct {
	files   *fileReader
	maxRows int
}

func (t *csvToText) Handle(_ context.Context, req capability.Request) (capability.Result, error) {
	if h := req.Attachment; h != nil && !looksLikeCSV(h) {
		return capability.Result{}, capability.Fail(capability.InvalidInput, "That doesn't look like a CSV file.", nil)
	}
	data, err := t.files.read(req.Attachment)
	if err != nil {
		return capability.Result{}, err
	}
	records, err := parseCSV(data)
	if err != nil {
		return capability.Result{}, capability.Fail(capability.UnreadableFile, "I couldn't parse that CSV file.", err)
	}
	if len(records) < 2 {
		return capability.Result{}, capability.Fail(capability.InvalidInput, "That CSV file has no data rows.", nil)
	}

	header, rows := records[0], records[1:]
	var out strings.Builder
	fmt.Fprintf(&out, "📄 %s: %d rows, %d columns\n", req.Attachment.FileName, len(rows), len(header))
	for i, row := range rows {
		if i == t.maxRows {
			fmt.Fprintf(&out, "… and %d more rows", len(rows)-i)
			break
		}
		fields := make([]string, 0, len(row))
		for j, v := range row {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			name := fmt.Sprintf("col%d", j+1)
			if j < len(header) && strings.TrimSpace(header[j]) != "" {
				name = strings.TrimSpace(header[j])
			}
			fields = append(fields, name+": "+v)
		}
		fmt.Fprintf(&out, "%d. %s\n", i+1, strings.Join(fields, ", "))
	}
	return capability.Result{Text: strings.TrimRight(out.String(), "\n")}, nil
}

func looksLikeCSV(h *attachments.Handle) bool {
	switch extOf(h.FileName) {
	case "csv", "tsv":
		return true
	}
	return strings.Contains(h.MimeType, "csv")
}

func parseCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	if firstLine, _, _ := bytes.Cut(data, []byte("\n")); bytes.Count(firstLine, []byte("\t")) > bytes.Count(firstLine, []byte(",")) {
		r.Comma = '\t'
	}
	return r.ReadAll()
}

// convertFile converts between common formats locally and falls back to a
// configured remote converter for everything else.
type convertFile struct {
	files     *fileReader
	web       *webClient
	remoteURL string
}

var errNoConversion = errors.New("no local conversion")

func (t *convertFile) Handle(ctx context.Context, req capability.Request) (capability.Result, error) {
	target := normalizeFormat(req.Args.Get("format"))
	if target == "" {
		return capability.Result{}, capability.Fail(capability.InvalidInput, "Convert to what? Try \"convert to png\".", nil)
	}
	data, err := t.files.read(req.Attachment)
	if err != nil {
		return capability.Result{}, err
	}
	src := req.Attachment
	source := normalizeFormat(extOf(src.FileName))
	if source == "" {
		source = formatFromMime(src.MimeType)
	}
	if source == target {
		return capability.Result{}, capability.Fail(capability.InvalidInput,
			fmt.Sprintf("That file is already %s.", strings.ToUpper(target)), nil)
	}

	out, mime, err := convertLocal(data, source, target)
	switch {
	case err == nil:
	case errors.Is(err, errNoConversion):
		if t.remoteURL == "" {
			return capability.Result{}, capability.Fail(capability.Unsupported,
				fmt.Sprintf("I can't convert %s to %s.", strings.ToUpper(source), strings.ToUpper(target)), nil)
		}
		resp, err := t.web.postMultipart(ctx, t.remoteURL,
			map[string]string{"format": target},
			formFile{Field: "file", FileName: src.FileName, Data: data}, nil)
		if err != nil {
			return capability.Result{}, err
		}
		out, mime = resp.Body, resp.ContentType
		if mime == "" {
			mime = http.DetectContentType(out)
		}
	default:
		return capability.Result{}, capability.Fail(capability.UnreadableFile, "I couldn't read that file.", err)
	}

	res, err := saveOutput(req, baseName(src.FileName)+"."+target, mime, out)
	if err != nil {
		return res, err
	}
	res.Text = fmt.Sprintf("🔄 Converted to %s.", strings.ToUpper(target))
	return res, nil
}

func normalizeFormat(f string) string {
	f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
	switch f {
	case "jpg":
		return "jpeg"
	case "text":
		return "txt"
	}
	return f
}

func formatFromMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/png"):
		return "png"
	case strings.HasPrefix(mime, "image/jpeg"):
		return "jpeg"
	case strings.HasPrefix(mime, "image/gif"):
		return "gif"
	case strings.Contains(mime, "csv"):
		return "csv"
	case strings.Contains(mime, "json"):
		return "json"
	case strings.HasPrefix(mime, "text/"):
		return "txt"
	}
	return ""
}

func convertLocal(data []byte, source, target string) ([]byte, string, error) {
	switch {
	case isImageFormat(source) && isImageFormat(target):
		return convertImage(data, target)
	case source == "csv" && target == "json":
		return csvToJSON(data)
	case source == "json" && target == "csv":
		return jsonToCSV(data)
	case isTextFormat(source) && target == "txt":
		return data, "text/plain; charset=utf-8", nil
	}
	return nil, "", errNoConversion
}

func isImageFormat(f string) bool { return f == "png" || f == "jpeg" || f == "gif" }

func isTextFormat(f string) bool {
	switch f {
	case "csv", "json", "md", "txt", "html", "xml", "yaml", "yml":
		return true
	}
	return false
}

func convertImage(data []byte, target string) ([]byte, string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	switch target {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case "gif":
		err = gif.Encode(&buf, img, nil)
	}
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/" + target, nil
}

func csvToJSON(data []byte) ([]byte, string, error) {
	records, err := parseCSV(data)
	if err != nil {
		return nil, "", err
	}
	if len(records) == 0 {
		return nil, "", io.ErrUnexpectedEOF
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	out, err := json.MarshalIndent(rows, "", "  ")
	return out, "application/json", err
}

func jsonToCSV(data []byte) ([]byte, string, error) {
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, "", err
	}
	seen := map[string]bool{}
	var header []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		rec := make([]string, len(header))
		for i, k := range header {
			if v, ok := row[k]; ok && v != nil {
				rec[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(rec); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	return buf.Bytes(), "text/csv", w.Error()
}
