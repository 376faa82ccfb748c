// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package maps

import (
	"fmt"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/logger"
	"github.com/cilium/ktrace/pkg/logger/logfields"
)

type mapFile struct {
	m *Map
}

func (f *mapFile) Path() string {
	return file.AnonInodePath(file.KindBpfMap)
}

func (f *mapFile) Release() error {
	logger.GetLogger().WithField(logfields.Map, f.m.Name()).Debug("destroying map")
	return f.m.destroy()
}

// NewFile wraps m in a file holding the first reference to it. The map is
// destroyed when the last reference is dropped.
func NewFile(m *Map) *file.File {
	return file.New(file.KindBpfMap, &mapFile{m: m})
}

// FromFile returns the map behind f.
func FromFile(f *file.File) (*Map, error) {
	if f.Kind() != file.KindBpfMap {
		return nil, fmt.Errorf("%s is not a map: %w", f.Path(), errno.ErrInvalidInput)
	}
	return f.Ops().(*mapFile).m, nil
}
