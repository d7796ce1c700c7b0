// gatewayctl — операторский CLI StudyFlowGateway: Retry, Replay и
// Cancel поверх Catalog (spec §4.3 "Operator verbs"). Никакого
// third-party CLI-фреймворка — в примерах, откуда взят этот репозиторий,
// ни одна команда не использует такой фреймворк, поэтому диспетчеризация
// подкоманд сделана на flag.NewFlagSet, как в стандартной библиотеке.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/raxjinn/StudyFlowGateway/internal/catalog"
	"github.com/raxjinn/StudyFlowGateway/internal/config"
	"github.com/raxjinn/StudyFlowGateway/internal/queue"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := config.SetupLogger(slog.LevelWarn, "text")

	dbCfg, err := config.LoadDatabaseConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ошибка конфигурации подключения к Catalog: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := catalog.Connect(ctx, dbCfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ошибка подключения к Catalog: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()
	cat := catalog.New(pool)
	q := queue.New(cat.Jobs(), queue.NewBackoff(time.Second, time.Hour), 1<<30)

	var cmdErr error
	switch os.Args[1] {
	case "retry":
		cmdErr = runRetry(ctx, q, os.Args[2:])
	case "replay":
		cmdErr = runReplay(ctx, cat, os.Args[2:])
	case "cancel":
		cmdErr = runCancel(ctx, q, cat, os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "неизвестная команда %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "ошибка: %v\n", cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `gatewayctl — операторские команды StudyFlowGateway

Использование:
  gatewayctl retry  -job <id>
  gatewayctl replay -study <uid> [-destination <id>]
  gatewayctl cancel -instance <uid> [-destination <id>]
  gatewayctl cancel -job <id>

Подключение к Catalog настраивается через переменные окружения SFG_DB_*.`)
}

// runRetry переводит один dead-letter (или ожидающий backoff) job
// обратно в pending немедленно, не трогая счётчик попыток (spec §4.3
// "Retry").
func runRetry(ctx context.Context, q *queue.Queue, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	jobID := fs.Int64("job", 0, "ID ForwardJob'а для немедленного повтора")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == 0 {
		return fmt.Errorf("требуется -job <id>")
	}

	if err := q.Retry(ctx, *jobID, time.Now().UTC()); err != nil {
		return fmt.Errorf("retry job %d: %w", *jobID, err)
	}
	fmt.Printf("job %d переведён в pending\n", *jobID)
	return nil
}

// runReplay создаёт новые ForwardJob для всех instance данного study —
// к одному destination, если он указан, иначе ко всем enabled
// destinations (spec §4.3 "Replay").
func runReplay(ctx context.Context, cat *catalog.Catalog, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	studyUID := fs.String("study", "", "StudyInstanceUID для повторной отправки")
	destID := fs.Int64("destination", 0, "ID destination (0 — все enabled destinations)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *studyUID == "" {
		return fmt.Errorf("требуется -study <uid>")
	}

	var destIDs []int64
	if *destID != 0 {
		destIDs = []int64{*destID}
	}

	created, err := cat.Replay(ctx, *studyUID, destIDs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("replay study %s: %w", *studyUID, err)
	}
	fmt.Printf("поставлено %d новых ForwardJob для study %s\n", created, *studyUID)
	return nil
}

// runCancel отменяет либо один job по ID, либо все незавершённые job'ы
// одного instance (опционально — только к одному destination), как
// описано в spec §4.3 "Cancel".
func runCancel(ctx context.Context, q *queue.Queue, cat *catalog.Catalog, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	jobID := fs.Int64("job", 0, "ID одного ForwardJob'а для отмены")
	instanceUID := fs.String("instance", "", "SOPInstanceUID, все незавершённые job'ы которого нужно отменить")
	destID := fs.Int64("destination", 0, "ограничить отмену одним destination (с -instance)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *jobID != 0 {
		if err := q.Cancel(ctx, *jobID, time.Now().UTC()); err != nil {
			return fmt.Errorf("cancel job %d: %w", *jobID, err)
		}
		fmt.Printf("job %d отменён\n", *jobID)
		return nil
	}

	if *instanceUID == "" {
		return fmt.Errorf("требуется -job <id> либо -instance <uid>")
	}

	var destPtr *int64
	if *destID != 0 {
		destPtr = destID
	}

	canceled, err := cat.CancelInstance(ctx, *instanceUID, destPtr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cancel instance %s: %w", *instanceUID, err)
	}
	fmt.Printf("отменено %d job'ов для instance %s\n", canceled, *instanceUID)
	return nil
}
