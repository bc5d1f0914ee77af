// Package corpus stores training utterances: label sequences, per-stream
// observation frames and optional alignment segments, in a gob archive.
package corpus

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ieee0824/fbtrain/fwdbwd"
)

// ErrEmpty is returned by Load for an archive without records.
var ErrEmpty = errors.New("corpus: no records")

// Record is one utterance of the archive. Frames is indexed
// [t][stream][dim]; discrete streams carry the symbol in element 0.
type Record struct {
	Name     string
	Labels   []string
	Frames   [][][]float64
	Segments []fwdbwd.Segment
}

// Utterance returns the record as engine input. The frames are shared,
// not copied.
func (r *Record) Utterance() *fwdbwd.Utterance {
	return &fwdbwd.Utterance{
		Name:     r.Name,
		Labels:   r.Labels,
		Obs:      fwdbwd.Frames(r.Frames),
		Segments: r.Segments,
	}
}

// NumStreams returns the stream count of the first frame, or 0.
func (r *Record) NumStreams() int {
	if len(r.Frames) == 0 {
		return 0
	}
	return len(r.Frames[0])
}

type archive struct {
	Version int
	Records []Record
}

const archiveVersion = 1

// Save writes recs to w.
func Save(w io.Writer, recs []Record) error {
	return gob.NewEncoder(w).Encode(archive{Version: archiveVersion, Records: recs})
}

// SaveFile writes recs to path.
func SaveFile(path string, recs []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Save(f, recs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads an archive written by Save.
func Load(r io.Reader) ([]Record, error) {
	var a archive
	if err := gob.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("corpus: decode: %w", err)
	}
	if a.Version != archiveVersion {
		return nil, fmt.Errorf("corpus: unsupported archive version %d", a.Version)
	}
	if len(a.Records) == 0 {
		return nil, ErrEmpty
	}
	return a.Records, nil
}

// LoadFile reads an archive from path.
func LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Utterances converts every record.
func Utterances(recs []Record) []*fwdbwd.Utterance {
	out := make([]*fwdbwd.Utterance, len(recs))
	for i := range recs {
		out[i] = recs[i].Utterance()
	}
	return out
}
