package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// memoryFileWriter implements source.ParquetFile over an in-memory buffer.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

// Seek is never needed while writing; report the current size.
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// S3Archive buffers rows per table and periodically uploads each table's
// buffer to S3 as one Parquet object. Write never fails; upload errors are
// logged and the batch is dropped.
type S3Archive struct {
	cfg     appconfig.S3Config
	version string
	client  objectPutter
	log     *logger.Log
	now     func() time.Time

	mu      sync.Mutex
	buffer  map[string][]models.Row
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewS3Archive loads AWS configuration and builds an archive for cfg.
func NewS3Archive(ctx context.Context, cfg appconfig.S3Config, version string) (*S3Archive, error) {
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_archive").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	a := newS3Archive(cfg, version, client)
	log.WithComponent("s3_archive").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 archive initialized")
	return a, nil
}

func newS3Archive(cfg appconfig.S3Config, version string, client objectPutter) *S3Archive {
	return &S3Archive{
		cfg:     cfg,
		version: version,
		client:  client,
		log:     logger.GetLogger(),
		now:     time.Now,
		buffer:  make(map[string][]models.Row),
	}
}

// Write buffers row until the next flush.
func (a *S3Archive) Write(_ context.Context, row models.Row) error {
	a.mu.Lock()
	a.buffer[row.Table] = append(a.buffer[row.Table], row)
	a.mu.Unlock()
	return nil
}

// Start runs the flush loop until ctx is done or Stop is called. Pending rows
// are flushed on the way out.
func (a *S3Archive) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("s3 archive already running")
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.wg.Add(1)
	go a.flushWorker(ctx)
	return nil
}

// Stop ends the flush loop and waits for the final flush.
func (a *S3Archive) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.running = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.log.WithComponent("s3_archive").Info("s3 archive stopped")
}

func (a *S3Archive) flushWorker(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Flush(context.WithoutCancel(ctx), "shutdown")
			return
		case <-ticker.C:
			a.Flush(ctx, "interval")
		}
	}
}

// Flush uploads every non-empty table buffer and returns the number of
// objects written.
func (a *S3Archive) Flush(ctx context.Context, reason string) int {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]models.Row)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return 0
	}

	tables := make([]string, 0, len(buffers))
	for t := range buffers {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	a.log.WithComponent("s3_archive").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Debug("flushing buffers")

	written := 0
	for _, table := range tables {
		rows := buffers[table]
		if len(rows) == 0 {
			continue
		}
		if err := a.archive(ctx, table, rows); err != nil {
			a.log.WithComponent("s3_archive").WithError(err).
				WithEnv("S3_BUCKET").
				WithFields(logger.Fields{"table": table, "rows": len(rows)}).
				Error("failed to archive rows")
			continue
		}
		written++
	}
	return written
}

func (a *S3Archive) archive(ctx context.Context, table string, rows []models.Row) error {
	key := a.objectKey(table, a.now())
	data, err := a.encodeParquet(rows)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      a.cfg.Compression,
			"tickflow-version": a.version,
		},
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}

	logger.LogDataFlowEntry(a.log.WithComponent("s3_archive").WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}), "clickhouse_rows", "s3", len(rows), table)
	return nil
}

func (a *S3Archive) objectKey(table string, ts time.Time) string {
	ts = ts.UTC()
	name := fmt.Sprintf("%s_%s_%s.parquet", table, ts.Format("20060102150405"), uuid.NewString())
	return path.Join(
		strings.Trim(a.cfg.Prefix, "/"),
		"table="+table,
		"date="+ts.Format("2006-01-02"),
		"hour="+ts.Format("15"),
		name,
	)
}

// encodeParquet writes rows as a Parquet file with one UTF8 column per row
// column. Values stay strings so decimals keep their exact text. Rows whose
// columns differ from the first row's are skipped.
func (a *S3Archive) encodeParquet(rows []models.Row) ([]byte, error) {
	columns := rows[0].Columns
	md := make([]string, len(columns))
	for i, c := range columns {
		md[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8", c)
	}

	fw := newMemoryFileWriter()
	pw, err := writer.NewCSVWriter(md, fw, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.cfg.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		if !sameColumns(row.Columns, columns) || len(row.Values) != len(columns) {
			continue
		}
		rec := make([]*string, len(row.Values))
		for i := range row.Values {
			rec[i] = &row.Values[i]
		}
		if err := pw.WriteString(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
