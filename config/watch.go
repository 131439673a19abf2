package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher invokes a callback whenever the watched config file is written,
// created or replaced. The parent directory is watched so that editors which
// save through rename are still observed.
type Watcher struct {
	path     string
	onChange func()
	log      *zap.SugaredLogger

	w      *fsnotify.Watcher
	exitwg sync.WaitGroup
}

func NewWatcher(path string, onChange func(), log *zap.SugaredLogger) (*Watcher, error) {
	if log == nil {
		log = zap.S()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		err = fmt.Errorf("failed to resolve config path %s, err=%w", path, err)
		log.Warnf("%s", err.Error())
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		err = fmt.Errorf("failed to create file watcher, err=%w", err)
		log.Warnf("%s", err.Error())
		return nil, err
	}

	err = w.Add(filepath.Dir(abs))
	if err != nil {
		w.Close()
		err = fmt.Errorf("failed to watch %s, err=%w", filepath.Dir(abs), err)
		log.Warnf("%s", err.Error())
		return nil, err
	}

	cw := &Watcher{
		path:     abs,
		onChange: onChange,
		log:      log,
		w:        w,
	}

	cw.exitwg.Add(1)
	go cw.loop()

	log.Infof("watching config %s", abs)
	return cw, nil
}

func (cw *Watcher) loop() {
	defer cw.exitwg.Done()

	for {
		select {
		case evt, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != cw.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			cw.log.Debugf("config %s changed, op=%s", cw.path, evt.Op.String())
			cw.onChange()
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.log.Warnf("config watcher error, err=%s", err.Error())
		}
	}
}

func (cw *Watcher) Close() {
	cw.w.Close()
	cw.exitwg.Wait() // wait
}
