// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	k8swatch "k8s.io/apimachinery/pkg/watch"
)

// UnmarshalFn unmarshals the content of a watched file.
type UnmarshalFn[T any] func(data []byte, file string) (T, error)

type fileWatch[T any] struct {
	dir       string
	file      string
	unmarshal UnmarshalFn[T]
	fsw       *fsnotify.Watcher
	resultC   chan Event[T]
	stopOnce  sync.Once
	stopC     chan struct{}
	doneC     chan struct{}
}

// File creates a watch for the given file. Contents of the file are
// unmarshalled by the given function. The initial content, if the file
// exists, is delivered as an Added event. Files which fail to unmarshal
// are reported as Error events and otherwise ignored.
func File[T any](unmarshal UnmarshalFn[T], file string) (Interface[T], error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	fw := &fileWatch[T]{
		dir:       filepath.Dir(absPath),
		file:      filepath.Base(absPath),
		unmarshal: unmarshal,
		fsw:       fsw,
		resultC:   make(chan Event[T], k8swatch.DefaultChanSize),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}

	obj, err := fw.readObject()
	switch {
	case err == nil:
		fw.sendEvent(Added, obj, nil)
	case !errors.Is(err, fs.ErrNotExist):
		fsw.Close()
		return nil, err
	}

	go fw.run()

	return fw, nil
}

// Stop stops the watch.
func (w *fileWatch[T]) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

// ResultChan returns the channel for receiving events from the watch.
func (w *fileWatch[T]) ResultChan() <-chan Event[T] {
	return w.resultC
}

func (w *fileWatch[T]) run() {
	var none T

	defer func() {
		close(w.resultC)
		close(w.doneC)
	}()

	for {
		select {
		case <-w.stopC:
			if err := w.fsw.Close(); err != nil {
				log.Warn("%s failed to close fsnotify watcher: %v", w.name(), err)
			}
			return

		case err, ok := <-w.fsw.Errors:
			if ok {
				log.Warn("%s got error %v", w.name(), err)
			}

		case e, ok := <-w.fsw.Events:
			if !ok {
				w.sendEvent(Error, none, errors.New("failed to receive fsnotify event"))
				return
			}

			log.Debug("%s got event %+v", w.name(), e)

			if path.Base(e.Name) != w.file {
				continue
			}

			switch {
			case e.Op.Has(fsnotify.Create) || e.Op.Has(fsnotify.Write):
				obj, err := w.readObject()
				if err != nil {
					log.Debug("%s failed to read/unmarshal: %v", w.name(), err)
					if !errors.Is(err, fs.ErrNotExist) {
						w.sendEvent(Error, none, err)
					}
					continue
				}
				w.sendEvent(Added, obj, nil)

			case e.Op.Has(fsnotify.Remove) || e.Op.Has(fsnotify.Rename):
				w.sendEvent(Deleted, none, nil)
			}
		}
	}
}

func (w *fileWatch[T]) sendEvent(t EventType, obj T, err error) {
	select {
	case w.resultC <- Event[T]{Type: t, Object: obj, Err: err}:
	default:
		log.Warn("failed to deliver %s %v event", w.name(), t)
	}
}

func (w *fileWatch[T]) readObject() (T, error) {
	var none T

	file := path.Join(w.dir, w.file)
	data, err := os.ReadFile(file)
	if err != nil {
		return none, err
	}

	obj, err := w.unmarshal(data, file)
	if err != nil {
		return none, err
	}

	log.Debug("%s read object %+v", w.name(), obj)

	return obj, nil
}

func (w *fileWatch[T]) name() string {
	return path.Join("filewatch/path:", path.Join(w.dir, w.file))
}
