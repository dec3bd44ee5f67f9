package utils

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// TailPollUntilIdle copies path to out line by line, polling for new data
// until ctx is done or nothing was written for idle. idle <= 0 follows
// until ctx is done. A file truncated by copy-truncate rotation is reread
// from the start.
func TailPollUntilIdle(ctx context.Context, path string, out io.Writer, idle, pollEvery time.Duration) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	reader := bufio.NewReader(f)
	lastActivity := time.Now()
	var offset int64

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			offset += int64(len(line))
			if _, werr := out.Write(line); werr != nil {
				return werr
			}
		}

		if err == io.EOF {
			if idle > 0 && time.Since(lastActivity) > idle {
				return nil
			}

			if info, serr := f.Stat(); serr == nil && info.Size() < offset {
				if _, serr := f.Seek(0, io.SeekStart); serr != nil {
					return serr
				}
				reader.Reset(f)
				offset = 0
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollEvery):
			}
			continue
		}

		if err != nil {
			return err
		}

		lastActivity = time.Now()
	}
}
