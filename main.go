package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/config"
	"github.com/chaos-io/img2mesh/generate"
	"github.com/chaos-io/img2mesh/pipeline"
	"github.com/chaos-io/img2mesh/rembg"
	"github.com/chaos-io/img2mesh/server"
	"github.com/chaos-io/img2mesh/util"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	serve := flag.Bool("serve", false, "run the HTTP server instead of a single generation")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] [-serve] [image_path object_name output_dir]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(*configPath, *serve, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath string, serve bool, args []string) error {
	// 启动前清理上一次残留的内存
	pipeline.ReleaseHostMemory()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := util.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Load(ctx, cfg.Pipeline, logger)
	if err != nil {
		logger.Error("failed to load pipeline", zap.String("backend", cfg.Pipeline.Backend), zap.Error(err))
		return &generate.StageError{Stage: generate.StageLoad, Err: err}
	}
	defer func() {
		_ = p.Close()
	}()

	// 模型只在遇到不带 alpha 的图片时才加载
	remover, err := rembg.NewLazy(cfg.RemBG, logger)
	if err != nil {
		return &generate.StageError{Stage: generate.StageLoad, Err: err}
	}
	defer func() {
		_ = remover.Close()
	}()

	runner := generate.NewRunner(p, remover, pipeline.ParamsFromConfig(cfg.Sampling), logger)

	if serve {
		srv, err := server.New(cfg.Server, cfg.Defaults.OutputDir, runner, logger)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	}

	req := generate.ParseArgs(args, cfg.Defaults)
	res, err := runner.Run(ctx, req)
	if err != nil {
		return err
	}

	fmt.Println("Mesh exported to", res.MeshPath)
	return nil
}
