package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/receteci/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("アプリケーションが異常終了しました", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
