package directory

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/pkg/logger"
)

// FileStore 将地址簿保存为单个 JSON 文件，写入方通过同目录下的锁标记文件互斥。
// 锁标记以 O_EXCL 原子创建，存在即表示有写入方持锁。
type FileStore struct {
	path     string
	lockPath string
	opts     options
}

// NewFileStore 创建基于文件的地址簿。
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "地址簿文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建地址簿目录失败")
	}
	return &FileStore{
		path:     path,
		lockPath: path + ".lock",
		opts:     buildOptions(opts),
	}, nil
}

// Path 返回地址簿文件路径。
func (s *FileStore) Path() string { return s.path }

// LockPath 返回锁标记文件路径。
func (s *FileStore) LockPath() string { return s.lockPath }

// Register 覆盖写入 name 对应的地址。
func (s *FileStore) Register(ctx context.Context, name, address string) error {
	if err := validateEntry(name, address); err != nil {
		return err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	addresses, err := s.read()
	if err != nil {
		// 文件为空或损坏时直接覆盖。
		s.opts.logger.Warn("地址簿内容无法解析，将被覆盖", slog.String("path", s.path), slog.Any("error", err))
		addresses = make(map[string]string)
	}
	addresses[name] = address

	if err := s.write(addresses); err != nil {
		return err
	}
	logger.Audit().Info("服务地址已登记",
		slog.String("name", name),
		slog.String("address", address),
		slog.String("store", "file"),
	)
	return nil
}

// Lookup 读取一次地址簿，不加锁。
func (s *FileStore) Lookup(_ context.Context, name string) (string, error) {
	addresses, err := s.read()
	if err != nil {
		return "", xerrors.Wrap(CodeAddressNotFound, err, "地址簿暂不可用")
	}
	address, ok := addresses[name]
	if !ok || address == "" {
		return "", ErrAddressNotFound
	}
	return address, nil
}

// Snapshot 返回全部条目；文件不存在时返回空表。
func (s *FileStore) Snapshot(_ context.Context) (map[string]string, error) {
	addresses, err := s.read()
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取地址簿失败")
	}
	return addresses, nil
}

func (s *FileStore) read() (map[string]string, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	addresses := make(map[string]string)
	if err := json.Unmarshal(content, &addresses); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return addresses, nil
}

// write 先写临时文件再 rename，读者不会看到半截内容。
func (s *FileStore) write(addresses map[string]string) error {
	encoded, err := json.MarshalIndent(addresses, "", "    ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码地址簿失败")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入地址簿失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入地址簿失败")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换地址簿失败")
	}
	return nil
}

// acquire 轮询创建锁标记，直到成功或超过 lockTimeout。
func (s *FileStore) acquire(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(s.opts.lockTimeout)
	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			return func() {
				if err := os.Remove(s.lockPath); err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
					s.opts.logger.Error("释放地址簿锁失败", slog.String("lock", s.lockPath), slog.Any("error", err))
				}
			}, nil
		}
		if !stdErrors.Is(err, fs.ErrExist) {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建地址簿锁失败")
		}
		if !time.Now().Before(deadline) {
			return nil, lockTimeoutError(s.path, s.opts.lockTimeout)
		}
		wait := s.opts.pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, xerrors.Wrap(CodeLockTimeout, ctx.Err(), "等待地址簿锁时被取消")
		case <-timer.C:
		}
	}
}
