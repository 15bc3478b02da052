// Package dataset pairs images with their edge labels, splits them into
// train/valid/test partitions and iterates over them in batches.
package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Pair is one training sample: an image and its edge label, identified by
// the file stem they share.
type Pair struct {
	ID    string
	Image string
	Label string
}

// stem strips the directory and extension of a file name.
func stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// listStems maps file stems of dir to their full paths. Hidden files and
// directories are skipped.
func listStems(dir string) (map[string]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q", dir)
	}

	stems := make(map[string]string, len(files))
	for _, f := range files {
		if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
			continue
		}
		id := stem(f.Name())
		if prev, ok := stems[id]; ok {
			return nil, errors.Errorf("%q and %q share the id %q", prev, f.Name(), id)
		}
		stems[id] = filepath.Join(dir, f.Name())
	}
	return stems, nil
}

// PairIDs pairs every file of imageDir with the file of labelDir that has
// the same stem, e.g. "trainA/0001.jpg" with "hed_trainA/0001.png". Pairs
// are sorted by id. An image without label, or a label without image, is an
// error.
func PairIDs(imageDir, labelDir string) ([]Pair, error) {
	images, err := listStems(imageDir)
	if err != nil {
		return nil, err
	}
	labels, err := listStems(labelDir)
	if err != nil {
		return nil, err
	}

	pairs := make([]Pair, 0, len(images))
	for id, img := range images {
		lbl, ok := labels[id]
		if !ok {
			return nil, errors.Errorf("image %q has no label in %q", img, labelDir)
		}
		pairs = append(pairs, Pair{ID: id, Image: img, Label: lbl})
	}
	for id, lbl := range labels {
		if _, ok := images[id]; !ok {
			return nil, errors.Errorf("label %q has no image in %q", lbl, imageDir)
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })
	return pairs, nil
}
