package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "goldflow/config"
	"goldflow/logger"
	"goldflow/models"
)

const defaultArchiveFlush = 5 * time.Minute

type archiveMemFile struct {
	buffer *bytes.Buffer
}

func newArchiveMemFile() *archiveMemFile {
	return &archiveMemFile{buffer: &bytes.Buffer{}}
}

func (m *archiveMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *archiveMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *archiveMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *archiveMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *archiveMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *archiveMemFile) Close() error                              { return nil }
func (m *archiveMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// archiveRow is the parquet schema for archived samples. The record itself
// is carried as its JSONL line so the archive reproduces the log exactly.
type archiveRow struct {
	Stream    string `parquet:"name=stream, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Record    string `parquet:"name=record, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type archiveBatch struct {
	Stream      models.StreamKind
	Rows        []archiveRow
	Timestamp   time.Time
	RecordCount int
}

// Archiver mirrors appended records into snappy-compressed parquet objects
// on S3, batched per stream and flushed on an interval. It is strictly
// best-effort: an upload failure never blocks or fails the JSONL path.
type Archiver struct {
	cfg      *appconfig.Config
	s3Client *s3.Client
	log      *logger.Log
	bucket   string
	symbol   string

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	buffer      map[models.StreamKind][]archiveRow
	flushTicker *time.Ticker
}

// NewArchiver builds the S3 client from configuration. Static credentials
// are optional; the default AWS provider chain applies otherwise.
func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()
	if !cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 storage is disabled")
	}
	bucket := strings.TrimSpace(cfg.Storage.S3.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archiver initialized")

	return &Archiver{
		cfg:      cfg,
		s3Client: s3Client,
		log:      log,
		bucket:   bucket,
		symbol:   strings.ToUpper(cfg.Source.Binance.Symbol),
		buffer:   make(map[models.StreamKind][]archiveRow),
	}, nil
}

// Start launches the periodic flush worker.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.buffer = make(map[models.StreamKind][]archiveRow)

	interval := a.cfg.Storage.S3.FlushInterval
	if interval <= 0 {
		interval = defaultArchiveFlush
	}
	a.flushTicker = time.NewTicker(interval)
	a.mu.Unlock()

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flush_interval": interval.String(),
	}).Info("starting archiver")

	a.wg.Add(1)
	go a.flushWorker()
	return nil
}

// Stop terminates the flush worker and uploads whatever is still buffered.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	ticker := a.flushTicker
	a.cancel = nil
	a.flushTicker = nil
	a.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.flushAll("stop")
	a.log.WithComponent("archiver").Info("archiver stopped")
}

// Add buffers one record for the next flush. Marshal errors are logged and
// dropped; the canonical copy already lives in the JSONL log.
func (a *Archiver) Add(rec models.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		a.log.WithComponent("archiver").WithError(err).Error("failed to marshal record for archive")
		return
	}

	row := archiveRow{
		Stream:    string(rec.Stream()),
		Symbol:    a.symbol,
		Timestamp: rec.RecordTime(),
		Record:    string(data),
	}

	a.mu.Lock()
	if a.running {
		a.buffer[rec.Stream()] = append(a.buffer[rec.Stream()], row)
	}
	a.mu.Unlock()
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.flushTicker.C:
			a.flushAll("interval")
		}
	}
}

func (a *Archiver) flushAll(reason string) {
	a.mu.Lock()
	batches := make([]archiveBatch, 0, len(a.buffer))
	for stream, rows := range a.buffer {
		if len(rows) == 0 {
			continue
		}
		batches = append(batches, archiveBatch{
			Stream:      stream,
			Rows:        rows,
			Timestamp:   time.Now().UTC(),
			RecordCount: len(rows),
		})
		delete(a.buffer, stream)
	}
	a.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"batches": len(batches),
		"reason":  reason,
	}).Info("flushing archive buffers")

	for _, batch := range batches {
		a.writeBatch(batch)
	}
}

func (a *Archiver) writeBatch(batch archiveBatch) {
	data, err := createParquet(batch.Rows)
	if err != nil {
		a.log.WithComponent("archiver").WithError(err).WithFields(logger.Fields{
			"stream": string(batch.Stream),
		}).Error("failed to create parquet for archive batch")
		return
	}

	key := a.generateS3Key(batch)
	if err := a.upload(key, data); err != nil {
		a.log.WithComponent("archiver").WithError(err).WithFields(logger.Fields{
			"s3_key": key,
			"stream": string(batch.Stream),
		}).Error("failed to upload archive batch")
		return
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"s3_key":  key,
		"records": batch.RecordCount,
		"bytes":   len(data),
	}).Info("archive batch uploaded")
}

func createParquet(rows []archiveRow) ([]byte, error) {
	mf := newArchiveMemFile()
	pw, err := parquetwriter.NewParquetWriter(mf, new(archiveRow), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func (a *Archiver) upload(key string, data []byte) error {
	ctx := context.WithoutCancel(a.ctx)
	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (a *Archiver) generateS3Key(batch archiveBatch) string {
	datePart := batch.Timestamp.Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.parquet",
		batch.Timestamp.Format("20060102150405"),
		uuid.NewString(),
	)
	key := filepath.Join(
		fmt.Sprintf("symbol=%s", a.symbol),
		fmt.Sprintf("stream=%s", string(batch.Stream)),
		fmt.Sprintf("date=%s", datePart),
		filename,
	)
	return filepath.ToSlash(key)
}
