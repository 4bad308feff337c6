package diskstore

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/noidvm/noid/internal/noiderr"
)

// RotateSerialLog compresses vmDir's serial.log into a timestamped .zst
// file alongside it and truncates the live log in place, the same
// zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault)) shape used
// for workspace archives. The hypervisor keeps writing to the same fd
// across the truncate, so no rename/reopen of the active log is needed.
func (s *Store) RotateSerialLog(vmDir string) (string, error) {
	logPath := s.SerialLogPath(vmDir)
	src, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", noiderr.Wrap(noiderr.ErrStorage, "open serial log for rotation", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", noiderr.Wrap(noiderr.ErrStorage, "stat serial log", err)
	}
	if info.Size() == 0 {
		return "", nil
	}

	archivePath := logPath + "." + strconv.FormatInt(time.Now().UnixNano(), 10) + ".zst"
	dst, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", noiderr.Wrap(noiderr.ErrStorage, "create serial log archive", err)
	}
	defer dst.Close()

	zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", noiderr.Wrap(noiderr.ErrStorage, "create zstd writer", err)
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return "", noiderr.Wrap(noiderr.ErrStorage, "compress serial log", err)
	}
	if err := zw.Close(); err != nil {
		return "", noiderr.Wrap(noiderr.ErrStorage, "finalize serial log archive", err)
	}

	if err := os.Truncate(logPath, 0); err != nil {
		return "", noiderr.Wrap(noiderr.ErrStorage, "truncate serial log", err)
	}
	return archivePath, nil
}
