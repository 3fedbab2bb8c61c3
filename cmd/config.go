package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Static errors for configuration validation
var (
	ErrAPIURLRequired           = errors.New("archive API URL is required")
	ErrAPIURLInvalid            = errors.New("archive API URL is invalid: must be an absolute http or https URL")
	ErrNoChannels               = errors.New("at least one channel is required")
	ErrChannelNameInvalid       = errors.New("channel name is invalid: must be 1-64 characters and contain only letters, numbers, underscores, and hyphens")
	ErrOutputDirRequired        = errors.New("output directory is required")
	ErrAfterDateRequired        = errors.New("lower bound date is required")
	ErrAfterDateFormatInvalid   = errors.New("invalid lower bound date format")
	ErrRowCapInvalid            = errors.New("row cap must be >= 0 (0 = unlimited)")
	ErrChunkSizeMinimum         = errors.New("chunk size must be at least 10")
	ErrChunkSizeMaximum         = errors.New("chunk size must not exceed 1000000")
	ErrChunkBytesInvalid        = errors.New("chunk byte ceiling must be at least 1048576 (1 MB)")
	ErrPageSizeInvalid          = errors.New("page size must be between 1 and 500")
	ErrPageDelayInvalid         = errors.New("page delay must be >= 0")
	ErrRetryCeilingInvalid      = errors.New("retry ceiling must be >= 0")
	ErrBreakerThresholdInvalid  = errors.New("circuit breaker threshold must be at least 1")
	ErrDLQAttemptsInvalid       = errors.New("dead-letter attempt ceiling must be at least 1")
	ErrRequestCapInvalid        = errors.New("request cap must be >= 0 (0 = unlimited)")
	ErrDurationCapInvalid       = errors.New("duration cap must be >= 0 (0 = unlimited)")
	ErrStalenessInvalid         = errors.New("staleness threshold must be > 0")
	ErrOutputFormatInvalid      = errors.New("output format must be one of: parquet, jsonl, csv")
	ErrCompressionInvalid       = errors.New("compression must be one of: zstd, gzip, lz4, snappy, none")
	ErrCompressionSnappyParquet = errors.New("snappy compression is only available for the parquet format")
	ErrCompressionLevelInvalid  = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrS3BucketRequired         = errors.New("S3 bucket is required when S3 credentials are set")
	ErrS3RegionInvalid          = errors.New("S3 region contains invalid characters or is too long")
)

const regionAuto = "auto"

type Config struct {
	Debug     bool
	LogFormat string
	DryRun    bool

	APIURL    string
	Channels  []string
	OutputDir string
	After     string // lower bound date, YYYY-MM-DD

	RowCap     int64 // per (channel, content type); 0 = unlimited
	ChunkSize  int   // rows per chunk flush
	ChunkBytes int64 // byte ceiling per chunk buffer
	PageSize   int
	PageDelay  time.Duration

	RetryCeiling     int
	BreakerThreshold int
	DLQAttempts      int

	RequestCap  int64         // job-wide request ceiling; 0 = unlimited
	DurationCap time.Duration // job-wide wall-clock ceiling; 0 = unlimited
	Staleness   time.Duration

	OutputFormat     string
	Compression      string
	CompressionLevel int

	S3 S3Config
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
}

// Enabled reports whether an S3 mirror target is configured.
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

// validChannelName matches the channel identifiers the archive API accepts
var validChannelName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// isValidChannelName validates a channel name before it is used in request
// URLs and output file names
func isValidChannelName(name string) bool {
	return validChannelName.MatchString(name)
}

// isValidAPIURL validates that the archive API URL is absolute http(s)
func isValidAPIURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

// isValidOutputFormat validates the output format
func isValidOutputFormat(format string) bool {
	validFormats := map[string]bool{
		"parquet": true,
		"jsonl":   true,
		"csv":     true,
	}
	return validFormats[format]
}

// isValidCompression validates the compression type
func isValidCompression(compression string) bool {
	validCompressions := map[string]bool{
		"zstd":   true,
		"gzip":   true,
		"lz4":    true,
		"snappy": true,
		"none":   true,
	}
	return validCompressions[compression]
}

// isValidCompressionLevel validates compression level based on compression type
func isValidCompressionLevel(compression string, level int) bool {
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	case "snappy", "none":
		return level == 0
	default:
		return false
	}
}

func (c *Config) Validate() error {
	if c.APIURL == "" {
		return ErrAPIURLRequired
	}
	if !isValidAPIURL(c.APIURL) {
		return fmt.Errorf("%w: '%s'", ErrAPIURLInvalid, c.APIURL)
	}

	if len(c.Channels) == 0 {
		return ErrNoChannels
	}
	for _, channel := range c.Channels {
		if !isValidChannelName(channel) {
			return fmt.Errorf("%w: '%s'", ErrChannelNameInvalid, channel)
		}
	}

	if c.OutputDir == "" {
		return ErrOutputDirRequired
	}

	if c.After == "" {
		return ErrAfterDateRequired
	}
	if _, err := time.Parse("2006-01-02", c.After); err != nil {
		return fmt.Errorf("%w: %w", ErrAfterDateFormatInvalid, err)
	}

	if c.RowCap < 0 {
		return fmt.Errorf("%w, got %d", ErrRowCapInvalid, c.RowCap)
	}
	if c.ChunkSize < 10 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMinimum, c.ChunkSize)
	}
	if c.ChunkSize > 1000000 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMaximum, c.ChunkSize)
	}
	if c.ChunkBytes < 1<<20 {
		return fmt.Errorf("%w, got %d", ErrChunkBytesInvalid, c.ChunkBytes)
	}
	if c.PageSize < 1 || c.PageSize > 500 {
		return fmt.Errorf("%w, got %d", ErrPageSizeInvalid, c.PageSize)
	}
	if c.PageDelay < 0 {
		return fmt.Errorf("%w, got %s", ErrPageDelayInvalid, c.PageDelay)
	}

	if c.RetryCeiling < 0 {
		return fmt.Errorf("%w, got %d", ErrRetryCeilingInvalid, c.RetryCeiling)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("%w, got %d", ErrBreakerThresholdInvalid, c.BreakerThreshold)
	}
	if c.DLQAttempts < 1 {
		return fmt.Errorf("%w, got %d", ErrDLQAttemptsInvalid, c.DLQAttempts)
	}

	if c.RequestCap < 0 {
		return fmt.Errorf("%w, got %d", ErrRequestCapInvalid, c.RequestCap)
	}
	if c.DurationCap < 0 {
		return fmt.Errorf("%w, got %s", ErrDurationCapInvalid, c.DurationCap)
	}
	if c.Staleness <= 0 {
		return fmt.Errorf("%w, got %s", ErrStalenessInvalid, c.Staleness)
	}

	if !isValidOutputFormat(c.OutputFormat) {
		return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, c.OutputFormat)
	}
	if !isValidCompression(c.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
	}
	if c.Compression == "snappy" && c.OutputFormat != "parquet" {
		return fmt.Errorf("%w, got format '%s'", ErrCompressionSnappyParquet, c.OutputFormat)
	}
	if !isValidCompressionLevel(c.Compression, c.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Compression, c.CompressionLevel)
	}

	// S3 mirror is optional, but a partial configuration is a mistake
	if !c.S3.Enabled() && (c.S3.AccessKey != "" || c.S3.SecretKey != "") {
		return ErrS3BucketRequired
	}
	if c.S3.Region != "" && c.S3.Region != regionAuto {
		if !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
		}
	}

	// AfterEpoch is derived, not configured; keep Validate the single place
	// that guarantees it parses.
	return nil
}

// AfterEpoch returns the configured lower bound as seconds since the epoch.
// Validate must have accepted the config first.
func (c *Config) AfterEpoch() int64 {
	t, err := time.Parse("2006-01-02", c.After)
	if err != nil {
		return 0
	}
	return t.Unix()
}
