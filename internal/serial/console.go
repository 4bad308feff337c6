package serial

import (
	"io"
	"os"
	"time"

	"github.com/noidvm/noid/internal/noiderr"
)

// ConsoleAttach runs an interactive console session: a reader goroutine
// tails serial.log from its current end-of-file and forwards bytes to out,
// while the calling goroutine forwards bytes read from in into serial.in.
// ConsoleAttach blocks until either in reaches EOF, detach is closed, or an
// I/O error occurs; the VM is unaffected by detach.
func (c *Channel) ConsoleAttach(in io.Reader, out io.Writer, detach <-chan struct{}) error {
	offset, err := c.logSize()
	if err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "stat serial.log", err)
	}

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- c.forwardToSerial(in)
	}()

	readerDone := make(chan error, 1)
	stopReader := make(chan struct{})
	go func() {
		readerDone <- c.tailLog(offset, out, stopReader)
	}()

	select {
	case <-detach:
		close(stopReader)
		return nil
	case err := <-writerDone:
		close(stopReader)
		return err
	case err := <-readerDone:
		return err
	}
}

func (c *Channel) forwardToSerial(in io.Reader) error {
	f, err := os.OpenFile(c.InPath, os.O_WRONLY, 0)
	if err != nil {
		return noiderr.Wrap(noiderr.ErrSystem, "open serial.in for console write", err)
	}
	defer f.Close()

	_, err = io.Copy(f, in)
	if err == io.EOF {
		return nil
	}
	return err
}

func (c *Channel) tailLog(offset int64, out io.Writer, stop <-chan struct{}) error {
	f, err := os.Open(c.LogPath)
	if err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "open serial.log for console read", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "seek serial.log", err)
	}

	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil && rerr != io.EOF {
			return noiderr.Wrap(noiderr.ErrStorage, "read serial.log", rerr)
		}
		if n == 0 {
			time.Sleep(pollInterval)
		}
	}
}
