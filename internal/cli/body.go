package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/viant/afs"
)

// ErrNoBody — тело запроса не задано.
var ErrNoBody = errors.New("request body is required: use --body or --file")

// bodySource — откуда берётся тело запроса к агенту.
type bodySource struct {
	body string
	file string
	in   io.Reader
}

// read возвращает тело запроса.
// --file принимает путь, URL afs (s3://, gs://, mem://) или "-" для stdin.
func (s bodySource) read(ctx context.Context) (json.RawMessage, error) {
	var data []byte
	switch {
	case s.body != "" && s.file != "":
		return nil, errors.New("--body and --file are mutually exclusive")
	case s.body != "":
		data = []byte(s.body)
	case s.file == "-":
		in := s.in
		if in == nil {
			in = os.Stdin
		}
		var err error
		if data, err = io.ReadAll(in); err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
	case s.file != "":
		var err error
		if data, err = afs.New().DownloadWithURL(ctx, s.file); err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.file, err)
		}
	default:
		return nil, ErrNoBody
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	return json.RawMessage(data), nil
}
