package logger

import (
	"io"
	"log"
	"os"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New opens logFilePath for appending and returns a logger writing to it.
// An empty path discards everything.
func New(logFilePath string) (*log.Logger, io.Closer, error) {
	if logFilePath == "" {
		return log.New(io.Discard, "", log.LstdFlags), nopCloser{}, nil
	}
	file, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, nil, err
	}

	l := log.New(file, "", log.LstdFlags)
	l.Println("Logger initialized.")
	return l, file, nil
}
