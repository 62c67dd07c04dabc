//
// Copyright 2024 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package ioservice wraps afero.Fs so that the identity & journal linker's
// directory/symlink bookkeeping can be exercised against an in-memory
// filesystem in tests instead of the real one.
package ioservice

import (
	"os"

	"github.com/spf13/afero"
)

// Service is the narrow slice of filesystem operations the identity linker
// needs: symlink creation/inspection, directory creation, and plain file
// read/write for scratch files (boot-id) and machine-id lookups.
type Service struct {
	Fs afero.Fs
}

// NewOsService returns a Service backed by the real filesystem.
func NewOsService() *Service {
	return &Service{Fs: afero.NewOsFs()}
}

// NewMemService returns a Service backed by an in-memory filesystem, for
// unit tests.
func NewMemService() *Service {
	return &Service{Fs: afero.NewMemMapFs()}
}

func (s *Service) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(s.Fs, path)
}

func (s *Service) WriteFile(path string, data []byte, mode os.FileMode) error {
	return afero.WriteFile(s.Fs, path, data, mode)
}

func (s *Service) MkdirAll(path string, mode os.FileMode) error {
	return s.Fs.MkdirAll(path, mode)
}

func (s *Service) Remove(path string) error {
	return s.Fs.Remove(path)
}

func (s *Service) Exists(path string) (bool, error) {
	return afero.Exists(s.Fs, path)
}

func (s *Service) IsDir(path string) (bool, error) {
	return afero.DirExists(s.Fs, path)
}

func (s *Service) ReadDir(path string) ([]os.FileInfo, error) {
	return afero.ReadDir(s.Fs, path)
}

// Symlink creates a symlink where the backing filesystem supports it.
// afero.OsFs does; the in-memory filesystem does not, so tests exercise the
// surrounding decision logic rather than the link itself.
func (s *Service) Symlink(oldname, newname string) error {
	if l, ok := s.Fs.(afero.Linker); ok {
		return l.SymlinkIfPossible(oldname, newname)
	}
	return afero.ErrNoSymlink
}

func (s *Service) Readlink(name string) (string, error) {
	if l, ok := s.Fs.(afero.LinkReader); ok {
		return l.ReadlinkIfPossible(name)
	}
	return "", afero.ErrNoReadlink
}
