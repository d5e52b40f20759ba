package steps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// streamLogs copies container output to w line by line as it arrives. Each
// line reaches w before it is passed on to the logger.
func streamLogs(r io.Reader, w io.Writer, logger *slog.Logger) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if _, werr := io.WriteString(w, line); werr != nil {
				return fmt.Errorf("writing step log: %w", werr)
			}
			logger.Info(strings.TrimRight(line, "\r\n"))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading container output: %w", err)
		}
	}
}
