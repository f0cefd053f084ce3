package app

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/talkincode/wablast/config"
	"github.com/talkincode/wablast/internal/browser"
	"github.com/talkincode/wablast/internal/bulk"
	"github.com/talkincode/wablast/internal/codeextract"
	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/eventchan"
	"github.com/talkincode/wablast/internal/media"
	"github.com/talkincode/wablast/internal/queue"
	"github.com/talkincode/wablast/internal/session"
	"github.com/talkincode/wablast/pkg/metrics"
)

type Application struct {
	appConfig     *config.AppConfig
	gormDB        *gorm.DB
	sched         *cron.Cron
	configManager *ConfigManager
	bus           EventBus.Bus
	launcher      *browser.PlaywrightLauncher
	sessions      *session.Manager
	store         *queue.GormStore
	processor     *queue.Processor
	dispatcher    *bulk.Dispatcher
	cancel        context.CancelFunc
}

// Ensure Application implements all interfaces
var (
	_ DBProvider            = (*Application)(nil)
	_ ConfigProvider        = (*Application)(nil)
	_ SettingsProvider      = (*Application)(nil)
	_ SchedulerProvider     = (*Application)(nil)
	_ ConfigManagerProvider = (*Application)(nil)
	_ MessagingProvider     = (*Application)(nil)
	_ AppContext            = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	initLogger(cfg)

	// Initialize metrics with workdir convention
	err = metrics.InitMetrics(cfg.System.Workdir)
	if err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	a.gormDB = getDatabase(cfg.Database, cfg.GetDataDir())
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	a.setup(nil)
}

// NewWithDB builds an application over an open database without cron jobs or
// file logging. A nil factory drives real browsers.
func NewWithDB(cfg *config.AppConfig, db *gorm.DB, factory session.DriverFactory) *Application {
	a := &Application{appConfig: cfg, gormDB: db}
	a.setup(factory)
	return a
}

// setup migrates, seeds and wires the services. A nil factory uses real browsers.
func (a *Application) setup(factory session.DriverFactory) {
	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}
	a.checkSettings()
	a.checkSchedulers()
	a.configManager = NewConfigManager(a.gormDB)
	a.initServices(factory)
}

func initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}
	zap.ReplaceGlobals(logger)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (a *Application) browserOptions(fetcher *media.Fetcher) browser.Options {
	b := a.appConfig.Browser
	return browser.Options{
		EntryURL:         b.EntryURL,
		AuthCheckTimeout: seconds(b.AuthCheckTimeout),
		LoginTimeout:     seconds(b.LoginTimeout),
		Launch: browser.LaunchOptions{
			Headless:  b.Headless,
			UserAgent: b.UserAgent,
			Width:     b.ViewportWidth,
			Height:    b.ViewportHeight,
			Args:      b.Args,
		},
		Pipeline: codeextract.New(nil),
		Media:    fetcher,
		DialEvents: func(ctx context.Context, url, origin string) (eventchan.Source, error) {
			src, err := eventchan.DialWS(ctx, url, origin)
			if err != nil {
				return nil, err
			}
			return src, nil
		},
	}
}

func (a *Application) initServices(factory session.DriverFactory) {
	cfg := a.appConfig
	a.bus = EventBus.New()
	if factory == nil {
		a.launcher = browser.NewPlaywrightLauncher(cfg.Browser.InstallDriver)
		fetcher := media.NewFetcher(seconds(cfg.Browser.MediaTimeout), cfg.Browser.MediaMaxBytes)
		factory = session.BrowserFactory(a.launcher, a.browserOptions(fetcher))
	}

	a.sessions = session.NewManager(a.gormDB, a.bus, factory, seconds(cfg.Browser.ConnectTimeout))
	a.sessions.SetDefaults(session.ConnectOptions{Headless: cfg.Browser.Headless})
	a.store = queue.NewGormStore(a.gormDB, a.configManager.GetInt("queue", "max_retries"))
	a.processor = queue.NewProcessor(a.store, a.sessions)
	a.dispatcher = bulk.NewDispatcher(a.sessions, a.store,
		a.configManager.GetInt("bulk", "max_workers"),
		a.configManager.GetInt("bulk", "rate_per_minute"))

	if err := a.bus.SubscribeAsync(session.TopicStatus, a.onSessionStatus, false); err != nil {
		zap.L().Error("subscribe session status failed", zap.Error(err))
	}
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		return a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...)
	}
	return a.gormDB.Migrator().AutoMigrate(domain.Tables...)
}

// ConfigMgr returns the configuration manager
func (a *Application) ConfigMgr() *ConfigManager {
	return a.configManager
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Sessions() *session.Manager { return a.sessions }
func (a *Application) Queue() queue.Store          { return a.store }
func (a *Application) Processor() *queue.Processor { return a.processor }
func (a *Application) Bulk() *bulk.Dispatcher      { return a.dispatcher }
func (a *Application) Bus() EventBus.Bus           { return a.bus }

// GetSettingsStringValue retrieves a string configuration value
func (a *Application) GetSettingsStringValue(category, key string) string {
	return a.configManager.GetString(category, key)
}

// GetSettingsInt64Value retrieves an int64 configuration value
func (a *Application) GetSettingsInt64Value(category, key string) int64 {
	return a.configManager.GetInt64(category, key)
}

// GetSettingsBoolValue retrieves a boolean configuration value
func (a *Application) GetSettingsBoolValue(category, key string) bool {
	return a.configManager.GetBool(category, key)
}

// SaveSettings stores settings keyed "category.name".
func (a *Application) SaveSettings(settings map[string]interface{}) error {
	for key, v := range settings {
		parts := strings.SplitN(key, ".", 2)
		if len(parts) != 2 {
			return &domain.ValidationError{Field: key, Reason: "setting keys are category.name"}
		}
		if err := a.configManager.Set(parts[0], parts[1], cast.ToString(v)); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return nil
}

// StartBackgroundJobs makes this process the owner of all sessions: sessions
// left live by a previous process are reset, then the cron jobs and the
// maintenance scheduler loop start.
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	if err := a.sessions.Reset(ctx); err != nil {
		zap.L().Error("session: reset failed", zap.Error(err))
	}
	a.initJob()
	ctx, a.cancel = context.WithCancel(ctx)
	a.StartSchedulerService(ctx)
}

// Release releases application resources
func (a *Application) Release() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.sessions.Shutdown(ctx); err != nil {
			zap.L().Warn("session: shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if a.launcher != nil {
		if err := a.launcher.Stop(); err != nil {
			zap.L().Warn("browser: stop runtime failed", zap.Error(err))
		}
	}
	if a.bus != nil {
		a.bus.WaitAsync()
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}
