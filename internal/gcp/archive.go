package gcp

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

// SessionRecord is the header line of an archived session.
type SessionRecord struct {
	Session   string    `json:"session"`
	Principal string    `json:"principal"`
	Project   string    `json:"project"`
	Service   string    `json:"service,omitempty"`
	Outcome   string    `json:"outcome"`
	Attempts  int       `json:"attempts"`
	Address   string    `json:"address,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// ObjectName is where a session's history is stored in the bucket.
func ObjectName(prefix string, rec SessionRecord) string {
	return path.Join(prefix, rec.Started.UTC().Format("2006/01/02"), rec.Session+".ndjson")
}

// Archive writes finished sessions to a Cloud Storage bucket as NDJSON: the
// record first, then one event per line.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
	log    logrus.FieldLogger
}

func NewArchive(ctx context.Context, bucket, prefix string, ts oauth2.TokenSource, log logrus.FieldLogger, opts ...option.ClientOption) (*Archive, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if ts != nil {
		opts = append(opts, option.WithTokenSource(ts))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &Archive{client: client, bucket: bucket, prefix: prefix, log: log.WithField("component", "archive")}, nil
}

func (a *Archive) Store(ctx context.Context, rec SessionRecord, events []stream.Event) error {
	name := ObjectName(a.prefix, rec)
	w := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	w.ContentType = stream.ContentType
	w.Metadata = map[string]string{"session": rec.Session, "outcome": rec.Outcome}

	if err := writeSession(w, rec, events); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive session %s: %w", rec.Session, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive session %s: %w", rec.Session, err)
	}
	a.log.WithFields(logrus.Fields{"session": rec.Session, "object": "gs://" + a.bucket + "/" + name}).Debug("session archived")
	return nil
}

func writeSession(w io.Writer, rec SessionRecord, events []stream.Event) error {
	nw := stream.NewWriter(w)
	if err := nw.WriteValue(rec); err != nil {
		return err
	}
	for _, e := range events {
		if err := nw.WriteValue(e); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) Close() error {
	return a.client.Close()
}
