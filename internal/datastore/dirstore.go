// Package datastore provides the write-then-rename durable persistence
// primitive used by the update scheduler and the rollback supervisor, and
// typed JSON document stores built on top of it.
package datastore

import (
	"io"
	"io/ioutil"
	"os"
	"path"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// WriteCloserCommitter is returned by DirStore.OpenWrite: callers write to
// the temp file, Close it, then Commit to atomically publish it under the
// real name.
type WriteCloserCommitter interface {
	io.WriteCloser
	Commit() error
}

// DirStore persists named blobs under a base directory, writing through a
// "name~" temp file and committing with os.Rename so readers never observe
// a partially written document.
type DirStore struct {
	basepath string
}

type dirFile struct {
	io.WriteCloser
	name string
	dir  *DirStore
}

func NewDirStore(basepath string) *DirStore {
	return &DirStore{basepath: basepath}
}

func (d *DirStore) ReadAll(name string) ([]byte, error) {
	in, err := d.OpenRead(name)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return ioutil.ReadAll(in)
}

// WriteAll atomically replaces name's contents with data.
func (d *DirStore) WriteAll(name string, data []byte) error {
	out, err := d.OpenWrite(name)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return out.Commit()
}

func (d *DirStore) OpenRead(name string) (io.ReadCloser, error) {
	f, err := os.Open(d.getPath(name))
	if err != nil {
		log.WithField("component", "datastore").
			WithError(err).Debugf("read error for entry %v", name)
		return nil, err
	}
	return f, nil
}

// OpenWrite opens name's temp file ("name~") for writing. The caller must
// Close it and then Commit to publish the write.
func (d *DirStore) OpenWrite(name string) (WriteCloserCommitter, error) {
	f, err := os.OpenFile(d.getTempPath(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		log.WithField("component", "datastore").
			WithError(err).Errorf("write error for entry %v", name)
		return nil, err
	}
	return &dirFile{WriteCloser: f, name: name, dir: d}, nil
}

func (d *DirStore) getPath(name string) string {
	return path.Join(d.basepath, name)
}

func (d *DirStore) getTempPath(name string) string {
	return d.getPath(name) + "~"
}

func (d *DirStore) commitFile(name string) error {
	from, to := d.getTempPath(name), d.getPath(name)
	if err := os.Rename(from, to); err != nil {
		log.WithField("component", "datastore").
			WithError(err).Errorf("commit error for entry %v", name)
		return errors.Wrapf(err, "datastore: committing %s", name)
	}
	return nil
}

func (d *DirStore) Remove(name string) error {
	return os.Remove(d.getPath(name))
}

func (f *dirFile) Commit() error {
	return f.dir.commitFile(f.name)
}
