package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./hvqueue.log
}

// Service owns the sinks and lets them be swapped at runtime.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string

	cur atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with a live root logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply rebuilds the sinks. The log file stays open when its path is unchanged.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(Stderr()))
	}

	path := ""
	if cfg.File.Enabled {
		if path = strings.TrimSpace(cfg.File.Path); path == "" {
			path = "./hvqueue.log"
		}
	}
	if path != s.filePath {
		s.closeFileLocked()
		if path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fmt.Fprintf(Stderr(), "logx: open %s: %v\n", path, err)
			} else {
				s.file, s.filePath = f, path
			}
		}
	}
	if s.file != nil {
		outs = append(outs, zerolog.SyncWriter(s.file))
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(Stderr()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	s.cur.Store(&zl)
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = nil, ""
}

// Close releases the log file. Later events go to the console.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.file != nil {
		err = s.file.Close()
	}
	s.file, s.filePath = nil, ""
	zl := zerolog.New(consoleWriter(Stderr())).Level(s.current().GetLevel()).With().Timestamp().Logger()
	s.cur.Store(&zl)
	return err
}
