package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/AMP4323/mesh-transformer-jax/IO"
	"github.com/AMP4323/mesh-transformer-jax/checkpoint"
	"github.com/AMP4323/mesh-transformer-jax/optimizations"
	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/telemetry"
	"github.com/AMP4323/mesh-transformer-jax/training"
	"github.com/AMP4323/mesh-transformer-jax/utils"
)

var (
	configPath = flag.String("config", "", "JSON config applied on top of the defaults")
	replicas   = flag.Int("replicas", 0, "data axis size")
	shards     = flag.Int("shards", 0, "model axis size")
	dim        = flag.Int("dim", 0, "model width")
	heads      = flag.Int("heads", 0, "attention heads")
	layerCount = flag.Int("layers", 0, "transformer blocks")
	seqLen     = flag.Int("seq", 0, "context length")
	microBatch = flag.Int("bs", 0, "examples per replica per train call")
	steps      = flag.Int("steps", 0, "train calls")
	accum      = flag.Int("accum", 0, "train calls per optimizer update")
	lr         = flag.Float64("lr", 0, "peak learning rate")
	precFlag   = flag.String("precision", "", "narrow or wide accelerator storage")
	debugFlag  = flag.Bool("debug", false, "verbose debug logging")

	dataPath     = flag.String("data", "data/enwik8", "raw text corpus")
	tokensPrefix = flag.String("tokens", "", "prefix of exported .bin/.idx token shards (overrides -data)")
	bpePath      = flag.String("tokenizer", "", "tokenizer.json used to tokenize -data")
	tiktokenEnc  = flag.String("tiktoken", "", "tiktoken encoding used to tokenize -data (e.g. cl100k_base)")
	valFrac      = flag.Float64("val-frac", 0.05, "fraction of the stream held out for validation")
	evalEvery    = flag.Int("eval-every", 10, "validate every N updates (0=disable)")

	saveEvery = flag.Int("save-every", 0, "checkpoint every N updates (0=disable)")
	ckptDir   = flag.String("ckpt-dir", "checkpoints", "local checkpoint directory")
	s3Bucket  = flag.String("s3-bucket", "", "store checkpoints in this S3 bucket instead of -ckpt-dir")
	s3Prefix  = flag.String("s3-prefix", "mesh-transformer", "S3 key prefix")
	s3Region  = flag.String("s3-region", "us-east-1", "S3 region")
	resume    = flag.Bool("resume", false, "restore the latest checkpoint before training")

	logCSV    = flag.String("log-csv", "training_log.csv", "CSV metrics file (empty=disable)")
	logSQLite = flag.String("log-sqlite", "", "sqlite metrics database (empty=disable)")

	prompt    = flag.String("generate", "", "after training, continue this prompt")
	genTokens = flag.Int("gen-tokens", 64, "tokens to generate")
)

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig layers explicitly set flags over -config over the defaults.
func loadConfig() (params.Config, error) {
	cfg := params.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = params.LoadConfig(*configPath); err != nil {
			return cfg, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "replicas":
			cfg.Mesh.Replicas = *replicas
		case "shards":
			cfg.Mesh.Shards = *shards
		case "dim":
			cfg.Model.Dim = *dim
		case "heads":
			cfg.Model.Heads = *heads
		case "layers":
			cfg.Model.Layers = *layerCount
		case "seq":
			cfg.Model.SeqLen = *seqLen
		case "bs":
			cfg.MicroBatch = *microBatch
		case "steps":
			cfg.Steps = *steps
		case "accum":
			cfg.AccumulationSteps = *accum
		case "lr":
			cfg.Optimizer.LR = *lr
		case "precision":
			cfg.Precision = *precFlag
		case "debug":
			cfg.Debug = *debugFlag
		case "save-every":
			cfg.SaveEverySteps = *saveEvery
		}
	})
	if cfg.AccumulationSteps <= 0 {
		cfg.AccumulationSteps = 1
	}
	return cfg, nil
}

// loadTokens returns the token stream, the vocabulary it needs and the
// tokenizer that produced it (nil for pre-exported shards).
func loadTokens(cfg params.Config) ([]int, int, IO.Tokenizer, error) {
	if *tokensPrefix != "" {
		toks, err := IO.ReadTokenShards(*tokensPrefix)
		return toks, cfg.Model.Vocab, nil, err
	}
	var tok IO.Tokenizer = IO.ByteTokenizer{}
	switch {
	case *bpePath != "":
		b, err := IO.LoadBPE(*bpePath)
		if err != nil {
			return nil, 0, nil, err
		}
		tok = b
	case *tiktokenEnc != "":
		t, err := IO.NewTiktoken(*tiktokenEnc, cfg.Model.Vocab)
		if err != nil {
			return nil, 0, nil, err
		}
		tok = t
	}
	if _, ok := tok.(IO.ByteTokenizer); ok {
		raw, err := os.ReadFile(*dataPath)
		if err != nil {
			return nil, 0, nil, err
		}
		toks, err := tok.Encode(string(raw))
		if err != nil {
			return nil, 0, nil, errors.WithMessagef(err, "encode %s", *dataPath)
		}
		return toks, tok.VocabSize(), tok, nil
	}
	prefix := filepath.Join(filepath.Dir(*dataPath), filepath.Base(*dataPath)+".tok")
	n, err := IO.ExportTokenIDsBinary(*dataPath, prefix, tok, 64<<20)
	if err != nil {
		return nil, 0, nil, errors.WithMessage(err, "tokenize corpus")
	}
	fmt.Printf("Tokenized %s into %d shards at %s\n", *dataPath, n, prefix)
	toks, err := IO.ReadTokenShards(prefix)
	return toks, tok.VocabSize(), tok, err
}

// encodePrompt tokenizes a generation prompt with the corpus tokenizer.
func encodePrompt(tok IO.Tokenizer, prompt string, vocab int) ([]int, error) {
	if tok == nil {
		return nil, errors.New("-generate needs the corpus tokenizer; it is unavailable with -tokens")
	}
	ids, err := tok.Encode(prompt)
	if err != nil {
		return nil, errors.WithMessage(err, "encode prompt")
	}
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return nil, errors.Wrapf(params.ErrTokenOutOfRange, "prompt token %d at %d, vocab %d", id, i, vocab)
		}
	}
	return ids, nil
}

// due reports whether the n-th optimizer update triggers an every-N action.
func due(n, every int) bool { return every > 0 && n > 0 && n%every == 0 }

func openStore() (checkpoint.Store, error) {
	if *s3Bucket != "" {
		return checkpoint.NewS3Store(*s3Region, *s3Bucket, *s3Prefix)
	}
	return checkpoint.LocalStore{Dir: *ckptDir}, nil
}

func openSinks() (telemetry.Sink, error) {
	var sinks telemetry.Multi
	if *logCSV != "" {
		s, err := telemetry.NewCSVSink(*logCSV)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if *logSQLite != "" {
		s, err := telemetry.NewSQLiteSink(*logSQLite, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func meanOf(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	utils.SetDebug(cfg.Debug)

	tokens, vocab, tok, err := loadTokens(cfg)
	if err != nil {
		return err
	}
	if *prompt != "" && tok == nil {
		return errors.New("-generate cannot be combined with -tokens")
	}
	if vocab > cfg.Model.Vocab {
		// pad so every shard owns the same number of rows
		cfg.Model.Vocab = (vocab + cfg.Mesh.Shards - 1) / cfg.Mesh.Shards * cfg.Mesh.Shards
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	all, err := IO.NewTokenLoader(tokens, cfg, cfg.Seed)
	if err != nil {
		return err
	}
	train, val := all, (*IO.TextLoader)(nil)
	if *valFrac > 0 {
		if train, val, err = all.Split(*valFrac, cfg.Seed+1); err != nil {
			return err
		}
	}
	fmt.Printf("Train tokens: %d  Val tokens: %d\n", train.Len(), func() int {
		if val == nil {
			return 0
		}
		return val.Len()
	}())

	store, err := openStore()
	if err != nil {
		return err
	}
	sinks, err := openSinks()
	if err != nil {
		return err
	}
	defer sinks.Close()

	start := time.Now()
	state, err := training.New(cfg, optimizations.FromConfig(cfg.Optimizer))
	if err != nil {
		return err
	}
	if err := state.Initialize(ctx, cfg.Seed, train.GetSamples()); err != nil {
		return err
	}
	if *resume {
		key, err := checkpoint.Latest(ctx, store)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			fmt.Println("No checkpoint to resume from, starting fresh")
		case err != nil:
			return err
		default:
			snap, err := checkpoint.Load(ctx, store, key)
			if err != nil {
				return err
			}
			if err := state.Restore(snap); err != nil {
				return err
			}
			fmt.Printf("Resumed from %s at step %d\n", key, state.Step())
		}
	}
	paramCount := state.ParamCount()
	fmt.Printf("Initialized in %.6fs\n", time.Since(start).Seconds())
	fmt.Printf("Total parameters: %d\n", paramCount)

	var history []float64
	updates := state.Step() / cfg.AccumulationSteps
	t0 := time.Now()
	for i := 0; i < cfg.Steps; i++ {
		if err := ctx.Err(); err != nil {
			fmt.Println("Interrupted, stopping early")
			break
		}
		stepStart := time.Now()
		batch := train.GetSamples()
		losses, err := state.Train(ctx, batch)
		if err != nil {
			return err
		}
		loss := meanOf(losses)
		history = append(history, loss)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			fmt.Printf("it: %d, non-finite loss %v\n", i, loss)
		} else if cfg.DebugEvery <= 0 || i%cfg.DebugEvery == 0 || i == cfg.Steps-1 {
			fmt.Printf("it: %d, loss: %.4f\n", i, loss)
		}

		m := telemetry.Metrics{Loss: loss, ValLoss: math.NaN(), Tokens: batch.Tokens()}
		if state.Pending() >= cfg.AccumulationSteps {
			us := time.Now()
			if err := state.Update(ctx); err != nil {
				return err
			}
			utils.Debugf("update step done in %.6fs", time.Since(us).Seconds())
			updates++

			if val != nil && due(updates, *evalEvery) {
				vl, err := state.Evaluate(ctx, val.GetSamples())
				if err != nil {
					return err
				}
				m.ValLoss = meanOf(vl)
				fmt.Printf("update: %d, val loss: %.4f\n", updates, m.ValLoss)
			}
			if due(updates, cfg.SaveEverySteps) {
				if err := save(ctx, store, state); err != nil {
					return err
				}
			}
		}
		m.Step, m.Pending = state.Step(), state.Pending()
		m.Duration, m.At = time.Since(stepStart), time.Now()
		if err := sinks.Record(ctx, m); err != nil {
			fmt.Println("Error writing metrics:", err)
		}
	}
	total := time.Since(t0).Seconds()
	done := len(history)
	fmt.Printf("%d steps in %.6fs\n", done, total)

	flops := float64(cfg.Mesh.Replicas*cfg.MicroBatch*cfg.Model.SeqLen*done) * float64(paramCount) * 6
	fmt.Printf("effective flops (not including attn): %.6g\n", flops/total)
	asciiPlot(history)

	if cfg.SaveEverySteps > 0 && state.Step() > 0 {
		if err := save(ctx, store, state); err != nil {
			return err
		}
	}
	if *prompt != "" {
		ids, err := encodePrompt(tok, *prompt, cfg.Model.Vocab)
		if err != nil {
			return err
		}
		out, err := Generate(ctx, state, ids, *genTokens, 10, 0.9, cfg.Seed)
		if err != nil {
			return err
		}
		fmt.Println("Prompt:", *prompt)
		fmt.Println("Output:", renderTokens(out, vocab))
	}
	return nil
}

func save(ctx context.Context, store checkpoint.Store, state *training.State) error {
	snap, err := state.Snapshot()
	if err != nil {
		return err
	}
	key, err := checkpoint.Save(ctx, store, snap)
	if err != nil {
		return err
	}
	fmt.Printf("Saved checkpoint %s\n", key)
	return nil
}
