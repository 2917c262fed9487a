package gcode

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"codeberg.org/mutker/printerctl/internal/errors"
	"github.com/256dpi/gcode"
)

const (
	// HeadLines is how many leading lines ParseFile reads
	HeadLines = 500
	// TailBytes is how much of the end of the file ParseFile reads, where
	// slicers write their summaries
	TailBytes = 50 * 1024
)

// ParseFile parses the head and tail of the file at path. The middle of
// the file, which holds the moves, is never read.
func ParseFile(path string) (Metadata, error) {
	errFactory := errors.New()

	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, errFactory.Wrap(ErrReadFile, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	br := bufio.NewReader(f)
	for i := 0; i < HeadLines; i++ {
		line, err := br.ReadString('\n')
		buf.WriteString(line)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Metadata{}, errFactory.Wrap(ErrReadFile, err)
		}
	}
	buf.WriteByte('\n')

	info, err := f.Stat()
	if err != nil {
		return Metadata{}, errFactory.Wrap(ErrReadFile, err)
	}

	offset := info.Size() - TailBytes
	if offset < 0 {
		offset = 0
	}
	tail := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(tail, offset); err != nil && err != io.EOF {
		return Metadata{}, errFactory.Wrap(ErrReadFile, err)
	}
	if offset > 0 {
		// drop the line the window starts in the middle of
		if i := bytes.IndexByte(tail, '\n'); i >= 0 {
			tail = tail[i+1:]
		}
	}
	buf.Write(tail)

	return Parse(&buf), nil
}

// UploadLines returns the command lines of a file body in the form they
// are sent to the printer: comments and blank lines removed, each line
// rebuilt from its parsed words.
func UploadLines(r io.Reader) ([]string, error) {
	errFactory := errors.New()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, errFactory.Wrap(ErrParseBody, err)
	}

	file, err := gcode.ParseFile(bytes.NewReader(body))
	if err != nil {
		// Some slicers emit words the parser rejects, such as M117
		// messages. Fall back to stripping comments.
		return stripComments(body), nil
	}

	lines := make([]string, 0, len(file.Lines))
	for _, line := range file.Lines {
		if len(line.Codes) == 0 {
			continue
		}

		words := make([]string, 0, len(line.Codes))
		for _, code := range line.Codes {
			words = append(words, strings.ToUpper(code.Letter)+strconv.FormatFloat(code.Value, 'f', -1, 64))
		}
		lines = append(lines, strings.Join(words, " "))
	}

	return lines, nil
}

func stripComments(body []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(body), "\n") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
