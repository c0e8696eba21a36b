package main

import (
	"embed"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/linux"
	"github.com/wailsapp/wails/v2/pkg/options/windows"

	"github.com/lobinuxsoft/updateio/apps/hub/config"
	"github.com/lobinuxsoft/updateio/apps/hub/logging"
	"github.com/lobinuxsoft/updateio/pkg/version"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Name, "Hub", version.Full())
		os.Exit(0)
	}

	cfg, err := config.NewManager()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	level := cfg.GetConfig().LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger, closer, err := logging.Setup(logging.Options{
		Level: level,
		File:  cfg.LogFilePath(),
	})
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer closer.Close()

	app := NewApp(cfg, logger)

	err = wails.Run(&options.App{
		Title:     version.Name,
		Width:     1024,
		Height:    720,
		MinWidth:  800,
		MinHeight: 560,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 26, G: 26, B: 46, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []interface{}{
			app,
		},
		Windows: &windows.Options{
			WebviewIsTransparent: false,
			WindowIsTranslucent:  false,
			DisableWindowIcon:    false,
		},
		Linux: &linux.Options{
			WindowIsTranslucent: false,
		},
	})

	if err != nil {
		logger.Error("application exited", "err", err)
		closer.Close()
		os.Exit(1)
	}
}
