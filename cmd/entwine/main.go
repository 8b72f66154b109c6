// Command entwine drives the out-of-core point cloud indexer: scan, build,
// merge, and info.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/entwine-project/entwine/internal/builder"
	"github.com/entwine-project/entwine/internal/codec"
	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/hierarchy"
	"github.com/entwine-project/entwine/internal/manifest"
	"github.com/entwine-project/entwine/internal/merger"
	"github.com/entwine-project/entwine/internal/pipeline"
	"github.com/entwine-project/entwine/internal/scanner"
	"github.com/entwine-project/entwine/internal/store"
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		log.Fatal("syntax: entwine <scan|build|merge|info> [args]")
	}
	verb, rest := args[0], args[1:]

	var err error
	switch verb {
	case "scan":
		err = scanCmd(rest)
	case "build":
		err = buildCmd(rest)
	case "merge":
		err = mergeCmd(rest)
	case "info":
		err = infoCmd(rest)
	default:
		err = fmt.Errorf("unknown verb %q: want scan, build, merge, or info", verb)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// openStore opens a Store for path, using the scheme-prefixed backend
// (s3://, gs://, http(s)://) or Local otherwise, and wraps it with the
// bounded retry every backend gets.
func openStore(ctx context.Context, path string) (store.Store, error) {
	var s store.Store
	var err error
	switch {
	case strings.HasPrefix(path, "s3://"):
		u := strings.TrimPrefix(path, "s3://")
		parts := strings.SplitN(u, "/", 2)
		bucket := parts[0]
		prefix := ""
		if len(parts) > 1 {
			prefix = parts[1]
		}
		s, err = store.NewS3(ctx, bucket, prefix)
	case strings.HasPrefix(path, "gs://"):
		u := strings.TrimPrefix(path, "gs://")
		parts := strings.SplitN(u, "/", 2)
		bucket := parts[0]
		prefix := ""
		if len(parts) > 1 {
			prefix = parts[1]
		}
		s, err = store.NewGCS(ctx, bucket, prefix)
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		s = store.NewHTTP(path, false)
	default:
		s, err = store.NewLocal(path, 256)
	}
	if err != nil {
		return nil, err
	}
	return store.WithRetry(s, store.DefaultMaxRetries), nil
}

// isRemote reports whether path names an object-store location rather than
// a local filesystem path.
func isRemote(path string) bool {
	return strings.HasPrefix(path, "s3://") || strings.HasPrefix(path, "gs://") ||
		strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// localizeInputs downloads any remote-scheme path to a local temp file,
// since pipeline.NDJSON reads via os.Open; local paths pass through
// untouched. The returned cleanup removes every temp file it created and
// must be called once the caller is done reading.
func localizeInputs(ctx context.Context, paths []string) ([]string, func(), error) {
	out := make([]string, len(paths))
	var cleanups []func()
	cleanupAll := func() {
		for _, c := range cleanups {
			c()
		}
	}
	for i, p := range paths {
		if !isRemote(p) {
			out[i] = p
			continue
		}
		// Split at the last "/" by hand: filepath.Dir would collapse the
		// scheme's "//" (s3://b/k -> s3:/b).
		slash := strings.LastIndex(p, "/")
		s, err := openStore(ctx, p[:slash])
		if err != nil {
			cleanupAll()
			return nil, nil, err
		}
		local, cleanup, err := store.DownloadToTmp(ctx, s, p[slash+1:], "")
		if err != nil {
			cleanupAll()
			return nil, nil, err
		}
		out[i] = local
		cleanups = append(cleanups, cleanup)
	}
	return out, cleanupAll, nil
}

func readFileFunc(ctx context.Context, s store.Store) func(string) ([]byte, error) {
	return func(path string) ([]byte, error) {
		return s.Get(ctx, path)
	}
}

func writeFileFunc(ctx context.Context, s store.Store) func(string, []byte) error {
	return func(path string, data []byte) error {
		return s.Put(ctx, path, data)
	}
}

func parseReprojection(spec string) *pipeline.Reprojection {
	if spec == "" {
		return nil
	}
	parts := strings.Split(spec, ",")
	r := &pipeline.Reprojection{In: parts[0]}
	if len(parts) > 1 {
		r.Out = parts[1]
	}
	if len(parts) > 2 {
		r.Hammer = parts[2] == "hammer"
	}
	return r
}

// ndjsonSchema is the schema entwine assumes for its own NDJSON reader
// (internal/pipeline.NDJSON) when no external LAS/LAZ collaborator is
// configured; a real deployment supplies its own schema from the source
// file's actual dimensions.
func ndjsonSchema() config.Schema {
	return config.Schema{
		{Name: "X", Type: "signed", Size: 4, Scale: 0.01},
		{Name: "Y", Type: "signed", Size: 4, Scale: 0.01},
		{Name: "Z", Type: "signed", Size: 4, Scale: 0.01},
		{Name: "Intensity", Type: "unsigned", Size: 2},
		{Name: "Classification", Type: "unsigned", Size: 1},
		{Name: "OriginId", Type: "unsigned", Size: 4},
	}
}

func scanCmd(args []string) error {
	fset := flag.NewFlagSet("scan", flag.ExitOnError)
	var (
		output       = fset.String("output", "", "directory to write ept-scan.json and ept-sources/ into")
		threads      = fset.Int("threads", 4, "scan worker threads")
		reprojection = fset.String("reprojection", "", "in,out[,hammer]")
	)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return fmt.Errorf("syntax: entwine scan [options] <input>...")
	}
	if *output == "" {
		return fmt.Errorf("--output is required")
	}

	ctx := context.Background()
	inputs, cleanup, err := localizeInputs(ctx, fset.Args())
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := scanner.Scan(ctx, inputs, scanner.Options{
		Previewer:    pipeline.NDJSON{Schema: ndjsonSchema()},
		Threads:      *threads,
		Reprojection: parseReprojection(*reprojection),
	})
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		log.Printf("[scan] %s", w)
	}

	s, err := openStore(ctx, *output)
	if err != nil {
		return err
	}
	write := writeFileFunc(ctx, s)
	if err := manifest.Save(ctx, result.Manifest, write, *threads, true, ""); err != nil {
		return err
	}
	b, err := json.MarshalIndent(result.Metadata, "", "  ")
	if err != nil {
		return err
	}
	return write("ept-scan.json", b)
}

func buildCmd(args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		output           = fset.String("output", "", "output directory/bucket")
		input            = fset.String("input", "", "directory containing a prior scan's ept-scan.json, or a single input path")
		threads          = fset.Int("threads", 4, "total worker threads, split between insertion and clip pools")
		limit            = fset.Int("limit", 0, "stop after inserting this many input files (0: no limit)")
		force            = fset.Bool("force", false, "ignore any existing ept.json/ept-build.json and start fresh")
		maxNodeSize      = fset.Uint64("maxNodeSize", 100000, "maximum points per chunk before overflow")
		minNodeSize      = fset.Uint64("minNodeSize", 0, "minimum points per chunk (default maxNodeSize/4)")
		span             = fset.Uint64("span", 128, "per-chunk voxel grid resolution")
		subsetSpec       = fset.String("subset", "", "id/of, e.g. 1/4")
		dataType         = fset.String("dataType", string(config.DataTypeZstandard), "laszip|zstandard|binary")
		noOriginId       = fset.Bool("noOriginId", false, "do not assign an OriginId dimension")
		progressInterval = fset.Duration("progress", 10*time.Second, "progress report interval (0 disables)")
	)
	fset.Parse(args)
	if *output == "" {
		return fmt.Errorf("--output is required")
	}
	if *input == "" {
		return fmt.Errorf("--input is required")
	}

	ctx := context.Background()
	outStore, err := openStore(ctx, *output)
	if err != nil {
		return err
	}

	var scanned config.Metadata
	var m *manifest.Manifest
	inStore, err := openStore(ctx, *input)
	if err == nil {
		if b, readErr := inStore.Get(ctx, "ept-scan.json"); readErr == nil {
			if jsonErr := json.Unmarshal(b, &scanned); jsonErr != nil {
				return jsonErr
			}
			m, err = manifest.Load(ctx, readFileFunc(ctx, inStore), *threads, "")
			if err != nil {
				return err
			}
		}
	}
	if m == nil {
		inputs, cleanup, locErr := localizeInputs(ctx, []string{*input})
		if locErr != nil {
			return locErr
		}
		defer cleanup()
		result, scanErr := scanner.Scan(ctx, inputs, scanner.Options{
			Previewer: pipeline.NDJSON{Schema: ndjsonSchema()},
			Threads:   *threads,
		})
		if scanErr != nil {
			return scanErr
		}
		for _, w := range result.Warnings {
			log.Printf("[build] %s", w)
		}
		scanned = result.Metadata
		m = result.Manifest
	}

	scanned.DataType = config.DataType(*dataType)
	scanned.Span = *span
	scanned.HierarchyType = "json"
	scanned.Version = config.CurrentVersion
	if *subsetSpec != "" {
		sub, subErr := parseSubset(*subsetSpec)
		if subErr != nil {
			return subErr
		}
		scanned.Subset = &sub
	}

	scannedParams := config.BuildParams{
		MaxNodeSize: *maxNodeSize,
		MinNodeSize: *minNodeSize,
		SleepCount:  65536,
	}

	uc := config.UserConfig{
		Inputs:      []string{*input},
		Output:      *output,
		Threads:     *threads,
		Force:       *force,
		Limit:       *limit,
		MaxNodeSize: *maxNodeSize,
		MinNodeSize: *minNodeSize,
		Subset:      scanned.Subset,
	}
	uc.Defaults()
	if err := uc.Validate(); err != nil {
		return err
	}

	resolved, err := config.Resolve(uc, scanned, scannedParams)
	if err != nil {
		return err
	}

	hier := hierarchy.New()
	if !resolved.Fresh {
		prior, loadErr := loadHierarchy(ctx, outStore)
		if loadErr != nil {
			return loadErr
		}
		hier = prior
		priorManifest, mErr := manifest.Load(ctx, readFileFunc(ctx, outStore), *threads, "")
		if mErr != nil {
			return mErr
		}
		m = priorManifest
	}

	work, clip := splitBuildThreads(*threads, len(m.Items))
	b, err := builder.New(builder.Config{
		Manifest:   m,
		Metadata:   resolved.Metadata,
		Params:     resolved.Params,
		Store:      outStore,
		Executor:   pipeline.NDJSON{Schema: ndjsonSchema()},
		Codec:      codec.Dispatcher{},
		Log:        log.Default(),
		NoOriginId: *noOriginId,
	}, hier, clip)
	if err != nil {
		return err
	}

	if _, err := b.Run(ctx, work+clip, *limit, *progressInterval); err != nil {
		return err
	}
	return b.Save(ctx, writeFileFunc(ctx, outStore), *threads)
}

func splitBuildThreads(configured, inputs int) (work, clip int) {
	if configured < 2 {
		configured = 2
	}
	work = configured / 2
	if work > inputs && inputs > 0 {
		work = inputs
	}
	if work < 1 {
		work = 1
	}
	clip = configured - work
	if clip < 1 {
		clip = 1
	}
	return work, clip
}

// loadHierarchy reads every hierarchy shard reachable from the root,
// following each negative-count pointer entry into its own shard file, so a
// continuation sees the full tree regardless of how many shards a prior run
// split it into.
func loadHierarchy(ctx context.Context, s store.Store) (*hierarchy.Hierarchy, error) {
	var shards []hierarchy.Shard
	pending := []string{"0-0-0-0"}
	seen := map[string]bool{}
	for len(pending) > 0 {
		root := pending[0]
		pending = pending[1:]
		if seen[root] {
			continue
		}
		seen[root] = true

		b, err := s.Get(ctx, filepath.Join("ept-hierarchy", root+".json"))
		if err != nil {
			if root == "0-0-0-0" {
				return hierarchy.New(), nil
			}
			return nil, err
		}
		var entries map[string]int64
		if err := json.Unmarshal(b, &entries); err != nil {
			return nil, err
		}
		shards = append(shards, hierarchy.Shard{Root: root, Entries: entries})
		for k, v := range entries {
			if v < 0 && k != root {
				pending = append(pending, k)
			}
		}
	}
	return hierarchy.Load(shards), nil
}

func parseSubset(spec string) (config.Subset, error) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return config.Subset{}, fmt.Errorf("--subset wants id/of, e.g. 1/4")
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return config.Subset{}, err
	}
	of, err := strconv.Atoi(parts[1])
	if err != nil {
		return config.Subset{}, err
	}
	s := config.Subset{Id: id, Of: of}
	if !s.Valid() {
		return config.Subset{}, fmt.Errorf("invalid subset %s: Of must be a power of 4 and 1<=Id<=Of", spec)
	}
	return s, nil
}

func mergeCmd(args []string) error {
	fset := flag.NewFlagSet("merge", flag.ExitOnError)
	var (
		output  = fset.String("output", "", "directory/bucket to write the merged tree into")
		threads = fset.Int("threads", 4, "merge worker threads")
	)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return fmt.Errorf("syntax: entwine merge [options] <subsetDir>...")
	}
	if *output == "" {
		return fmt.Errorf("--output is required")
	}

	ctx := context.Background()
	outStore, err := openStore(ctx, *output)
	if err != nil {
		return err
	}

	var subsets []merger.Subset
	var hiers []*hierarchy.Hierarchy
	var manifests []*manifest.Manifest
	for _, dir := range fset.Args() {
		s, err := openStore(ctx, dir)
		if err != nil {
			return err
		}
		sub, hier, m, err := merger.Load(ctx, s, readFileFunc(ctx, s), *threads, "")
		if err != nil {
			return err
		}
		subsets = append(subsets, sub)
		hiers = append(hiers, hier)
		manifests = append(manifests, m)
	}

	mg := merger.New(outStore, codec.Dispatcher{}, log.Default())
	mergedMeta, mergedHier, mergedManifest, err := mg.Merge(ctx, subsets, hiers, manifests, *threads)
	if err != nil {
		return err
	}

	shards, err := mergedHier.Shards(0)
	if err != nil {
		return err
	}
	write := writeFileFunc(ctx, outStore)
	for _, sh := range shards {
		b, err := sh.Marshal()
		if err != nil {
			return err
		}
		if err := write(filepath.Join("ept-hierarchy", sh.Root+".json"), b); err != nil {
			return err
		}
	}
	if err := manifest.Save(ctx, mergedManifest, write, *threads, true, ""); err != nil {
		return err
	}
	b, err := json.MarshalIndent(mergedMeta, "", "  ")
	if err != nil {
		return err
	}
	return write("ept.json", b)
}

// infoCmd summarizes an already-built (or in-progress) EPT tree from its
// ept.json and manifest (folded with manifest.Reduce, not the Scanner's
// own aggregation loop) without re-reading source files. It prints plain
// "key: value" text lines, not JSON.
func infoCmd(args []string) error {
	fset := flag.NewFlagSet("info", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return fmt.Errorf("syntax: entwine info <path>")
	}

	ctx := context.Background()
	s, err := openStore(ctx, fset.Arg(0))
	if err != nil {
		return err
	}
	mdBytes, err := s.Get(ctx, "ept.json")
	if err != nil {
		return err
	}
	var md config.Metadata
	if err := json.Unmarshal(mdBytes, &md); err != nil {
		return err
	}

	m, err := manifest.Load(ctx, readFileFunc(ctx, s), 4, "")
	if err != nil {
		return err
	}
	agg := manifest.Reduce(m.Items)

	fmt.Printf("points:     %d\n", md.Points)
	fmt.Printf("bounds:     %v\n", md.Bounds.Geo())
	fmt.Printf("schema:     %d dimensions\n", len(md.Schema))
	fmt.Printf("dataType:   %s\n", md.DataType)
	fmt.Printf("span:       %d\n", md.Span)
	if md.Subset != nil {
		fmt.Printf("subset:     %d/%d\n", md.Subset.Id, md.Subset.Of)
	}
	fmt.Printf("sources:    %d (%d points observed, %d inserted)\n", len(m.Items), agg.Points, agg.PointsInserted)
	for _, w := range agg.Warnings {
		fmt.Printf("warning:    %s\n", w)
	}
	for _, e := range agg.Errors {
		fmt.Printf("error:      %s\n", e)
	}
	return nil
}
