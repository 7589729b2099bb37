package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const Version = "1.0"

type Request struct {
	Version  string
	URL      string
	Sequence string
	Method   Method
	Header   http.Header
	Body     []byte
}

func (r *Request) Write(w io.Writer) error {
	return writeMessage(w, fmt.Sprintf("%s %s RTSP/%s", r.Method, r.URL, r.Version), r.Header, r.Sequence, r.Body)
}

type Response struct {
	Version  string
	Code     int
	Message  string
	Sequence string
	Header   http.Header
	Body     []byte
}

func (r *Response) Write(w io.Writer) error {
	return writeMessage(w, fmt.Sprintf("RTSP/%s %d %s", r.Version, r.Code, r.Message), r.Header, r.Sequence, r.Body)
}

func writeMessage(w io.Writer, start string, header http.Header, seq string, body []byte) error {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	// some players only match the exact spelling
	h.Del("CSeq")
	h["CSeq"] = []string{seq}
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if len(body) > 0 {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(start + "\r\n"); err != nil {
		return fmt.Errorf("failed to write start line: %w", err)
	}
	if err := h.Write(bw); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	return bw.Flush()
}

// parseStatusLine reads "RTSP/1.0 200 OK"; the reason phrase may contain spaces.
func parseStatusLine(line string) (version string, code int, message string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return "", 0, "", fmt.Errorf("malformed status line %q", line)
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", fmt.Errorf("failed to parse response code: %w", err)
	}
	if len(parts) == 3 {
		message = parts[2]
	}
	return strings.TrimPrefix(parts[0], "RTSP/"), code, message, nil
}

func parseRequestLine(line string) (method Method, uri, version string, err error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "RTSP/") {
		return "", "", "", fmt.Errorf("malformed request line %q", line)
	}
	return Method(parts[0]), parts[1], strings.TrimPrefix(parts[2], "RTSP/"), nil
}
