// Package scout enumerates the file corpus of a run, classifies special
// files, persists the manifest that fixes the run's scope, and seeds the
// first wave of jobs onto Q. It is the only component that writes the run
// manifest, and it must finish before any job is consumed.
package scout

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/config"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/hashutil"
	"github.com/coglabs/ctengine/pkg/jobs"
	"github.com/coglabs/ctengine/pkg/kv"
	"github.com/coglabs/ctengine/pkg/models"
	"github.com/coglabs/ctengine/pkg/queue"
	"github.com/coglabs/ctengine/pkg/repositories"
)

// Scout is the component that runs once at the start of a run.
type Scout struct {
	db          *database.DB
	kv          *kv.Store
	redisClient *redis.Client
	fileRepo    repositories.FileRepository
	cfg         *config.Config
	logger      *zap.Logger

	ignorePatterns  []*regexp.Regexp
	specialPatterns []config.CompiledSpecialFilePattern
}

// New returns a Scout with its ignore/special-file patterns pre-compiled.
func New(db *database.DB, store *kv.Store, redisClient *redis.Client, fileRepo repositories.FileRepository, cfg *config.Config, logger *zap.Logger) (*Scout, error) {
	ignore, err := cfg.CompiledIgnorePatterns()
	if err != nil {
		return nil, fmt.Errorf("compile ignore patterns: %w", err)
	}
	special, err := cfg.CompiledSpecialFilePatterns()
	if err != nil {
		return nil, fmt.Errorf("compile special file patterns: %w", err)
	}

	return &Scout{
		db:              db,
		kv:              store,
		redisClient:     redisClient,
		fileRepo:        fileRepo,
		cfg:             cfg,
		logger:          logger.Named("scout"),
		ignorePatterns:  ignore,
		specialPatterns: special,
	}, nil
}

// Run performs the full Scout sequence for one run: walk the root, persist
// files, build and write the manifest, then seed the initial jobs. It is
// the normal entry point; StartRun/BuildManifest/SeedJobs remain exported
// separately so callers can exercise each phase alone in tests.
func (s *Scout) Run(ctx context.Context, rootPath, runID string) (*models.RunManifest, error) {
	filesByDir, err := s.StartRun(ctx, rootPath, runID)
	if err != nil {
		return nil, err
	}

	manifest, err := s.BuildManifest(ctx, runID, rootPath, filesByDir)
	if err != nil {
		return nil, err
	}

	if err := s.SeedJobs(ctx, runID, manifest, filesByDir); err != nil {
		return nil, err
	}

	return manifest, nil
}

// StartRun walks rootPath, records every non-ignored file in RS, and
// returns the files grouped by parent directory. It fails the whole run on
// an I/O error reading the root or on a duplicate path, since a duplicate
// would violate the (run_id, qualified_name) uniqueness invariant on pois
// once FileAnalysisWorker starts extracting from it.
func (s *Scout) StartRun(ctx context.Context, rootPath, runID string) (map[string][]*models.File, error) {
	scope, err := database.AcquireTxScope(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("acquire tx scope: %w", err)
	}
	defer scope.Close(ctx)
	ctx = database.SetTxScope(ctx, scope)

	filesByDir := make(map[string][]*models.File)
	seenPaths := make(map[string]bool)

	walkErr := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}

		relPath, relErr := filepath.Rel(rootPath, path)
		if relErr != nil {
			return fmt.Errorf("relativize %s: %w", path, relErr)
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if relPath != "." && s.isIgnored(relPath+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if s.isIgnored(relPath) {
			return nil
		}

		if seenPaths[relPath] {
			return fmt.Errorf("duplicate file path %q", relPath)
		}
		seenPaths[relPath] = true

		directory := filepath.ToSlash(filepath.Dir(relPath))
		file := &models.File{
			ID:          uuid.NewString(),
			RunID:       runID,
			Path:        relPath,
			Directory:   directory,
			Language:    models.DetectLanguage(relPath),
			SpecialType: s.classify(relPath),
		}

		if err := s.fileRepo.Insert(ctx, file); err != nil {
			return fmt.Errorf("insert file %q: %w", relPath, err)
		}

		filesByDir[directory] = append(filesByDir[directory], file)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scout walk %s: %w", rootPath, walkErr)
	}

	return filesByDir, nil
}

// isIgnored reports whether relPath matches any configured ignore pattern.
func (s *Scout) isIgnored(relPath string) bool {
	for _, re := range s.ignorePatterns {
		if re.MatchString(relPath) {
			return true
		}
	}
	return false
}

// classify returns the first special-file type whose pattern matches
// relPath, or "" if none match (first-match-wins).
func (s *Scout) classify(relPath string) string {
	for _, p := range s.specialPatterns {
		if p.Regexp.MatchString(relPath) {
			return p.Type
		}
	}
	return ""
}

// BuildManifest assigns a job id to every file and directory plus one
// global relationship-resolution scope, pre-computes the file-pair
// evidence-count map for same-directory pairs, and writes the manifest to
// KV exactly once.
func (s *Scout) BuildManifest(ctx context.Context, runID, runRoot string, filesByDir map[string][]*models.File) (*models.RunManifest, error) {
	fileJobIDs := make(map[string]string)
	dirJobIDs := make(map[string]string)
	filePairMap := make(map[string]int)
	fileCount := 0

	directories := make([]string, 0, len(filesByDir))
	for dir := range filesByDir {
		directories = append(directories, dir)
	}
	sort.Strings(directories)

	for _, dir := range directories {
		dirJobIDs[dir] = uuid.NewString()
		files := filesByDir[dir]
		fileCount += len(files)

		for _, f := range files {
			fileJobIDs[f.ID] = uuid.NewString()
		}

		for _, source := range files {
			for _, target := range files {
				sameFile := source.ID == target.ID
				for _, relType := range models.ValidRelationshipTypeValues {
					hash := hashutil.FilePairHash(source.ID, target.ID, string(relType))
					filePairMap[hash] = models.ExpectedEvidenceCount(sameFile, true)
				}
			}
		}
	}

	manifest := &models.RunManifest{
		RunID:                 runID,
		RunRoot:               runRoot,
		FileCount:             fileCount,
		DirectoryCount:        len(directories),
		FileAnalysisJobIDs:    fileJobIDs,
		DirectoryJobIDs:       dirJobIDs,
		GlobalResolutionJobID: uuid.NewString(),
		FilePairEvidenceMap:   filePairMap,
		DefaultEvidenceCount:  1,
	}

	if err := s.kv.WriteManifest(ctx, manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	return manifest, nil
}

// SeedJobs enqueues one file-analysis job per file and one
// directory-aggregation expectation per directory. Scout never enqueues
// directly onto any other queue; every later job type is produced further
// down the pipeline, by TOP or by a worker.
func (s *Scout) SeedJobs(ctx context.Context, runID string, manifest *models.RunManifest, filesByDir map[string][]*models.File) error {
	fileQueue, err := queue.New(s.redisClient, s.cfg.QueueNamePrefix, queue.FileAnalysis, 0)
	if err != nil {
		return fmt.Errorf("construct file-analysis queue: %w", err)
	}
	dirQueue, err := queue.New(s.redisClient, s.cfg.QueueNamePrefix, queue.DirectoryAggregation, 0)
	if err != nil {
		return fmt.Errorf("construct directory-aggregation queue: %w", err)
	}

	directories := make([]string, 0, len(filesByDir))
	for dir := range filesByDir {
		directories = append(directories, dir)
	}
	sort.Strings(directories)

	for _, dir := range directories {
		files := filesByDir[dir]

		for _, f := range files {
			payload, err := marshalPayload(jobs.FileAnalysisPayload{
				FileID:    f.ID,
				Path:      f.Path,
				Directory: f.Directory,
			})
			if err != nil {
				return err
			}
			task := &queue.Task{ID: manifest.FileAnalysisJobIDs[f.ID], RunID: runID, Payload: payload}
			if err := fileQueue.Enqueue(ctx, task); err != nil {
				return fmt.Errorf("enqueue file-analysis job for %q: %w", f.Path, err)
			}
		}

		payload, err := marshalPayload(jobs.DirectoryAggregationPayload{
			Directory:     dir,
			ExpectedFiles: len(files),
		})
		if err != nil {
			return err
		}
		task := &queue.Task{ID: manifest.DirectoryJobIDs[dir], RunID: runID, Payload: payload}
		if err := dirQueue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("enqueue directory-aggregation expectation for %q: %w", dir, err)
		}
	}

	s.logger.Info("seeded jobs",
		zap.String("runId", runID),
		zap.Int("files", len(manifest.FileAnalysisJobIDs)),
		zap.Int("directories", len(manifest.DirectoryJobIDs)))

	return nil
}

func marshalPayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return data, nil
}
