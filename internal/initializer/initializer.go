package initializer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/milkywaybrain/tradeflow/internal/aggregator"
	"github.com/milkywaybrain/tradeflow/internal/config"
	"github.com/milkywaybrain/tradeflow/internal/connector"
	"github.com/milkywaybrain/tradeflow/internal/exchange"
	"github.com/milkywaybrain/tradeflow/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Start will initialize various required systems and then execute the app.
// It returns nil when mainCtx is canceled, or the first error of any task, which stops all the others.
func Start(mainCtx context.Context, cfg *config.Config) error {
	return run(mainCtx, cfg, os.Stdout)
}

func run(mainCtx context.Context, cfg *config.Config, out io.Writer) error {

	// Setting up logger.
	// If the path given in the config for logging ends with .log then create a log file with the same name and
	// write log messages to it. Otherwise, create a new log file with a timestamp attached to it's name in the given path.
	var (
		logFile *os.File
		err     error
	)
	if strings.HasSuffix(cfg.Log.FilePath, ".log") {
		logFile, err = os.OpenFile(cfg.Log.FilePath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			return fmt.Errorf("not able to open or create log file: %v", cfg.Log.FilePath)
		}
	} else {
		logFile, err = os.Create(cfg.Log.FilePath + "_" + strconv.Itoa(int(time.Now().Unix())) + ".log")
		if err != nil {
			return fmt.Errorf("not able to create log file: %v", cfg.Log.FilePath+"_"+strconv.Itoa(int(time.Now().Unix()))+".log")
		}
	}
	defer logFile.Close()

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	switch cfg.Log.Level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	fileLogger := zerolog.New(logFile).With().Timestamp().Logger()
	log.Logger = fileLogger
	log.Info().Msg("logger setup is done")

	// Establish connections to the storage systems.
	// The file logs are mandatory, without them the app can't record anything.
	file, err := storage.InitFile(&cfg.Connection.File)
	if err != nil {
		err = errors.Wrap(err, "file storage")
		log.Error().Stack().Err(errors.WithStack(err)).Msg("")
		return err
	}
	log.Info().Msg("file storage opened")

	var (
		mysql *storage.MySQL
		es    *storage.ElasticSearch
	)
	if cfg.HasStorage(config.StorageMySQL) {
		mysql, err = storage.InitMySQL(&cfg.Connection.MySQL)
		if err != nil {
			file.Close()
			err = errors.Wrap(err, "mysql connection")
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		log.Info().Msg("mysql connected")
	}
	if cfg.HasStorage(config.StorageElasticSearch) {
		es, err = storage.InitElasticSearch(&cfg.Connection.ES)
		if err != nil {
			file.Close()
			if mysql != nil {
				mysql.Close()
			}
			err = errors.Wrap(err, "elastic search connection")
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		log.Info().Msg("elastic search connected")
	}

	recorder := storage.NewRecorder(file, mysql, es)
	defer func() {
		if cerr := recorder.Close(); cerr != nil {
			log.Error().Stack().Err(errors.WithStack(cerr)).Msg("closing storages")
		}
	}()

	agg := aggregator.New(decimal.NewFromFloat(cfg.Thresholds.TradeAlertUSD), storage.InitTerminal(out))
	dialer := connector.NewDialer(&cfg.Connection.WS)

	// Start every task. If any of them fails, force all the others to stop and exit the app.
	appErrGroup, appCtx := errgroup.WithContext(mainCtx)

	appErrGroup.Go(func() error {
		return recorder.Run(appCtx)
	})
	appErrGroup.Go(func() error {
		return agg.Run(appCtx, time.Duration(cfg.SweepIntervalMs)*time.Millisecond)
	})
	for _, stream := range exchange.Streams(cfg) {
		consumer := exchange.NewConsumer(stream, cfg, dialer, recorder, agg)
		appErrGroup.Go(func() error {
			return consumer.Start(appCtx)
		})
	}
	log.Info().Strs("symbols", cfg.Symbols).Strs("channels", cfg.Channels).Msg("app started")

	err = appErrGroup.Wait()
	if mainCtx.Err() != nil && errors.Is(err, mainCtx.Err()) {
		log.Info().Msg("app stopped")
		return nil
	}
	log.Error().Msg("exiting the app")
	return err
}
