package idl

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"idlgateway/internal/model"
)

// ErrNotFound reports that no IDL is registered for a program.
var ErrNotFound = errors.New("idl not found")

const (
	idlSeed         = "anchor:idl"
	maxInflatedSize = 16 << 20
)

// rpcError is an error answered by the upstream node itself; retrying it
// yields the same answer.
type rpcError interface {
	error
	ErrorCode() int
}

// Fetcher loads the raw IDL document of a program from a registry.
type Fetcher interface {
	FetchIDL(ctx context.Context, programID solana.PublicKey) ([]byte, error)
}

// AccountSource reads raw accounts from the chain.
type AccountSource interface {
	GetAccountInfo(ctx context.Context, key string, commitment string) (*model.AccountResult, error)
}

// Address derives the account holding a program's on-chain IDL.
func Address(programID solana.PublicKey) (solana.PublicKey, error) {
	base, _, err := solana.FindProgramAddress([][]byte{}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive idl base: %w", err)
	}
	addr, err := solana.CreateWithSeed(base, idlSeed, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive idl address: %w", err)
	}
	return addr, nil
}

// ChainFetcherConfig tunes on-chain IDL lookups.
type ChainFetcherConfig struct {
	Commitment   string
	MaxRetries   int
	RetryBackoff time.Duration
}

// ChainFetcher reads IDLs from the Anchor IDL account of each program.
type ChainFetcher struct {
	source AccountSource
	cfg    ChainFetcherConfig
	logger *zap.Logger
}

// NewChainFetcher builds a fetcher backed by an account source.
func NewChainFetcher(source AccountSource, cfg ChainFetcherConfig, logger *zap.Logger) *ChainFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	return &ChainFetcher{source: source, cfg: cfg, logger: logger}
}

// FetchIDL implements Fetcher.
func (f *ChainFetcher) FetchIDL(ctx context.Context, programID solana.PublicKey) ([]byte, error) {
	if f.source == nil {
		return nil, fmt.Errorf("account source is nil")
	}
	addr, err := Address(programID)
	if err != nil {
		return nil, err
	}

	var result *model.AccountResult
	err = withRetry(ctx, f.cfg.MaxRetries, f.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		result, err = f.source.GetAccountInfo(ctx, addr.String(), f.cfg.Commitment)
		if err != nil {
			f.logger.Warn("idl account fetch failed",
				zap.String("program", programID.String()),
				zap.String("idl_account", addr.String()),
				zap.Error(err),
			)
			var coded rpcError
			if errors.As(err, &coded) {
				return &permanentError{err: err}
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get idl account: %w", err)
	}
	if result == nil || result.Value == nil {
		return nil, ErrNotFound
	}

	data, err := result.Value.Bytes()
	if err != nil {
		return nil, fmt.Errorf("idl account data: %w", err)
	}
	return DecodeAccountData(data)
}

// DecodeAccountData extracts the IDL JSON from raw IDL account bytes:
// discriminator, authority, then a length-prefixed zlib stream.
func DecodeAccountData(data []byte) ([]byte, error) {
	if len(data) < DiscriminatorSize {
		return nil, fmt.Errorf("idl account too short: %d bytes", len(data))
	}
	dec := bin.NewBorshDecoder(data[DiscriminatorSize:])
	if _, err := dec.ReadNBytes(solana.PublicKeyLength); err != nil {
		return nil, fmt.Errorf("read idl authority: %w", err)
	}
	length, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("read idl length: %w", err)
	}
	if int(length) > dec.Remaining() {
		return nil, fmt.Errorf("idl length %d exceeds account data", length)
	}
	compressed, err := dec.ReadNBytes(int(length))
	if err != nil {
		return nil, fmt.Errorf("read idl data: %w", err)
	}

	reader, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open idl stream: %w", err)
	}
	defer reader.Close()

	inflated, err := io.ReadAll(io.LimitReader(reader, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflate idl: %w", err)
	}
	if len(inflated) > maxInflatedSize {
		return nil, fmt.Errorf("idl exceeds %d bytes", maxInflatedSize)
	}
	return inflated, nil
}

// DirFetcher serves IDLs from <dir>/<programId>.json.
type DirFetcher struct {
	dir string
}

func NewDirFetcher(dir string) *DirFetcher {
	return &DirFetcher{dir: dir}
}

// FetchIDL implements Fetcher.
func (f *DirFetcher) FetchIDL(_ context.Context, programID solana.PublicKey) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, programID.String()+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read idl file: %w", err)
	}
	return data, nil
}

// All reads every document in the directory, keyed by program id. Files
// whose name is not a valid program id are skipped.
func (f *DirFetcher) All() (map[string][]byte, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read idl dir: %w", err)
	}
	docs := make(map[string][]byte)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		programID, err := solana.PublicKeyFromBase58(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read idl file: %w", err)
		}
		docs[programID.String()] = data
	}
	return docs, nil
}

// MultiFetcher consults fetchers in order and returns the first document found.
type MultiFetcher []Fetcher

// FetchIDL implements Fetcher.
func (m MultiFetcher) FetchIDL(ctx context.Context, programID solana.PublicKey) ([]byte, error) {
	var firstErr error
	for _, f := range m {
		data, err := f.FetchIDL(ctx, programID)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, ErrNotFound
}
