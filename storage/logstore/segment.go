package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"kvs/storage"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

const segmentExtension = ".log"

type Segment struct {
	wlog.SegmentFile
	dir string
	i   uint64
}

type SegmentRef struct {
	name  string
	index uint64
}

func (s *Segment) Index() uint64 {
	return s.i
}

func (s *Segment) Name() string {
	return SegmentName(s.dir, s.i)
}

// CreateSegment opens segment i for appending, creating it if needed.
func CreateSegment(dir string, i uint64) (*Segment, error) {
	f, err := os.OpenFile(SegmentName(dir, i), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)

	if err != nil {
		return nil, errors.Wrapf(err, "create segment %d", i)
	}

	return &Segment{
		SegmentFile: f,
		dir:         dir,
		i:           i,
	}, nil
}

func OpenReadSegment(dir string, i uint64) (*Segment, error) {
	f, err := os.Open(SegmentName(dir, i))

	if err != nil {
		return nil, err
	}

	return &Segment{SegmentFile: f, dir: dir, i: i}, nil
}

func SegmentName(dir string, i uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", i, segmentExtension))
}

func LastSegment(dir string) (*SegmentRef, error) {
	refs, err := Segments(dir)

	if err != nil {
		return nil, err
	}

	if len(refs) == 0 {
		return nil, nil
	}

	return &refs[len(refs)-1], nil
}

// Segments lists the segment files in dir sorted by ascending id. Replay relies
// on this order. Files without the segment extension or a numeric stem are
// not segments and are skipped.
func Segments(dir string) ([]SegmentRef, error) {
	files, err := os.ReadDir(dir)

	if err != nil {
		return nil, errors.Wrap(err, "unable to list segments")
	}

	refs := make([]SegmentRef, 0, len(files))

	for _, file := range files {
		fileName := file.Name()

		if file.IsDir() || !strings.HasSuffix(fileName, segmentExtension) {
			continue
		}

		i, err := strconv.ParseUint(storage.FileNameWithoutExtension(fileName), 10, 64)

		if err != nil {
			continue
		}

		refs = append(refs, SegmentRef{
			name:  fileName,
			index: i,
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].index < refs[j].index
	})

	return refs, nil
}
