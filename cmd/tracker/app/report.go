package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/uwb-tracking/internal/storage"
)

// ListSessions prints every tracking session stored in the given database.
func ListSessions(ctx context.Context, dbPath string, w io.Writer) error {
	store := storage.NewSqliteStore(dbPath)
	defer store.Close()

	sessions, err := store.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		_, err = fmt.Fprintln(w, "no sessions recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEVICE\tADDRESS\tTRANSPORT\tSTARTED")
	for _, sess := range sessions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			sess.ID, sess.DeviceLabel, sess.DeviceAddr, sess.Transport, humanize.Time(sess.StartTime))
	}
	return tw.Flush()
}

// Replay prints the position fixes recorded during one session. A minimum
// quality of zero includes every fix.
func Replay(ctx context.Context, dbPath string, sessionID int64, minQuality uint8, w io.Writer) error {
	store := storage.NewSqliteStore(dbPath)
	defer store.Close()

	sess, err := store.Session(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session %d not found", sessionID)
	}

	var opts []storage.ReadOption
	if minQuality > 0 {
		opts = append(opts, storage.WithMinQuality(minQuality))
	}

	points, err := store.Positions(ctx, sessionID, opts...)
	if err != nil {
		return fmt.Errorf("reading positions: %w", err)
	}

	fmt.Fprintf(w, "session %d: %s (%s over %s), started %s, %s fixes\n",
		sess.ID, sess.DeviceLabel, sess.DeviceAddr, sess.Transport,
		humanize.Time(sess.StartTime), humanize.Comma(int64(len(points))))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tX\tY\tZ\tQUALITY")
	for _, p := range points {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n",
			p.Timestamp.Format("2006-01-02 15:04:05.000"), p.X, p.Y, p.Z, p.Quality)
	}
	return tw.Flush()
}
