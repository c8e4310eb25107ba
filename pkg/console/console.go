// Package console implements the line oriented capture console served over
// the command serial port.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/capture"
)

// DefaultBaudRate is the console port rate.
const DefaultBaudRate = 115200

const maxLine = 64

// ErrDisabled is reported when no capture backend is configured.
var ErrDisabled = errors.New("capture disabled")

// Recorder starts collections and reports their progress.
type Recorder interface {
	Collect(d time.Duration) (int, error)
	Status() capture.Status
}

// Console answers commands read from a port.
type Console struct {
	rec    Recorder
	store  capture.Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a console. A nil store disables every capture command.
func New(rec Recorder, store capture.Store, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		rec:    rec,
		store:  store,
		logger: logger.Named("console"),
		now:    time.Now,
	}
}

// Serve reads commands from rw and writes replies until rw reaches EOF or
// ctx is done. Closing the port unblocks a pending read.
func (c *Console) Serve(ctx context.Context, rw io.ReadWriter) error {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, maxLine), maxLine)
	scanner.Split(scanLines)

	w := bufio.NewWriter(rw)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := c.Handle(ctx, line, w); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("writing reply: %w", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading command: %w", err)
	}
	return ctx.Err()
}

// scanLines splits on '\n' or '\r'.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	if len(data) >= maxLine {
		// Overlong commands are cut, as the firmware console does.
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Handle executes one command line. Command failures are reported to w; the
// returned error is only set when w fails.
func (c *Console) Handle(ctx context.Context, line string, w io.Writer) error {
	verb, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	c.logger.Debug("command", zap.String("line", line))

	var err error
	switch strings.ToUpper(verb) {
	case "COLLECT":
		err = c.collect(arg, w)
	case "LIST":
		err = c.list(ctx, w)
	case "DOWNLOAD":
		err = c.download(ctx, arg, w)
	case "DELETE":
		err = c.delete(ctx, arg, w)
	case "STATUS":
		err = c.status(w)
	case "HELP":
		_, err = io.WriteString(w, help)
	default:
		_, err = fmt.Fprintf(w, "ERROR: Unknown command '%s'\nType HELP for list of commands\n", line)
	}
	return err
}

const help = `Available commands:
  COLLECT <seconds>  - Collect data for N seconds (1-60)
  LIST               - List stored captures
  DOWNLOAD <slot>    - Download a capture
  DELETE <slot>      - Delete a capture
  STATUS             - Show collection status
  HELP               - Show this help
`

func replyError(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, "ERROR: "+format+"\n", args...)
	return err
}

func (c *Console) collect(arg string, w io.Writer) error {
	if c.rec == nil {
		return replyError(w, "%v", ErrDisabled)
	}
	seconds, err := strconv.Atoi(arg)
	if err != nil || seconds < 1 || seconds > 60 {
		return replyError(w, "Invalid duration (1-60 seconds)")
	}

	if _, err := fmt.Fprintf(w, "Starting %d second collection...\n", seconds); err != nil {
		return err
	}
	samples, err := c.rec.Collect(time.Duration(seconds) * time.Second)
	if err != nil {
		c.logger.Info("collect rejected", zap.Error(err))
		return replyError(w, "Failed to start collection: %v", err)
	}
	_, err = fmt.Fprintf(w, "Collection started (%s samples)\n", humanize.Comma(int64(samples)))
	return err
}

func (c *Console) list(ctx context.Context, w io.Writer) error {
	if c.store == nil {
		return replyError(w, "%v", ErrDisabled)
	}
	headers, err := c.store.List(ctx)
	if err != nil {
		return replyError(w, "Failed to list captures: %v", err)
	}

	if _, err := io.WriteString(w, "Stored captures:\n"); err != nil {
		return err
	}
	if len(headers) == 0 {
		_, err := io.WriteString(w, "  No captures stored\n")
		return err
	}

	now := c.now()
	for _, h := range headers {
		kind := "raw only"
		if h.HasFiltered {
			kind = "raw+filtered"
		}
		_, err := fmt.Fprintf(w, "Slot %d: %s samples, %s, %s, %s, seq %d, %s\n",
			h.Slot,
			humanize.Comma(int64(h.Samples)),
			h.Duration(),
			humanize.IBytes(uint64(h.Size())),
			kind,
			h.Seq,
			humanize.RelTime(h.Captured, now, "ago", "from now"),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) slot(arg string, w io.Writer) (int, bool, error) {
	slot, err := strconv.Atoi(arg)
	if err != nil {
		return 0, false, replyError(w, "Invalid slot '%s'", arg)
	}
	return slot, true, nil
}

func (c *Console) download(ctx context.Context, arg string, w io.Writer) error {
	if c.store == nil {
		return replyError(w, "%v", ErrDisabled)
	}
	slot, ok, err := c.slot(arg, w)
	if !ok {
		return err
	}

	capt, err := c.store.Read(ctx, slot)
	if err != nil {
		return replyError(w, "Invalid slot %d: %v", slot, err)
	}
	data, err := capt.MarshalBinary()
	if err != nil {
		return replyError(w, "Failed to encode slot %d: %v", slot, err)
	}

	if _, err := fmt.Fprintf(w, "START %d\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = io.WriteString(w, "END\n")
	c.logger.Info("capture downloaded", zap.Int("slot", slot), zap.Int("bytes", len(data)))
	return err
}

func (c *Console) delete(ctx context.Context, arg string, w io.Writer) error {
	if c.store == nil {
		return replyError(w, "%v", ErrDisabled)
	}
	slot, ok, err := c.slot(arg, w)
	if !ok {
		return err
	}
	if err := c.store.Delete(ctx, slot); err != nil {
		return replyError(w, "Failed to delete slot %d: %v", slot, err)
	}
	_, err = io.WriteString(w, "OK\n")
	return err
}

func (c *Console) status(w io.Writer) error {
	if c.rec == nil {
		return replyError(w, "%v", ErrDisabled)
	}
	st := c.rec.Status()

	progress := ""
	if st.Target > 0 {
		progress = fmt.Sprintf(" %s/%s samples (%d%%)",
			humanize.Comma(int64(st.Collected)), humanize.Comma(int64(st.Target)),
			st.Collected*100/st.Target)
	}
	last := "none"
	if st.LastSlot >= 0 {
		last = strconv.Itoa(st.LastSlot)
	}

	if _, err := fmt.Fprintf(w, "State: %s%s\nStored: %d, drops: %d, last slot: %s\n",
		st.State, progress, st.Stored, st.Drops, last); err != nil {
		return err
	}
	if st.Err != nil {
		_, err := fmt.Fprintf(w, "Last error: %v\n", st.Err)
		return err
	}
	return nil
}
