package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"adpilot/internal/app"
	"adpilot/internal/config"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
	dsn     string
)

var rootCmd = &cobra.Command{
	Use:   "adpilot",
	Short: "Automation rule evaluation and approval engine for ad accounts",
	Long: `adpilot evaluates per-tenant automation rules against campaign metrics,
asks an advisory council for a recommendation, and queues the resulting
actions for human approval. Failed webhook deliveries land in a
dead-letter queue that operators can retry or abandon.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadEnvFile, initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN, overrides the database section of the config (env DB_DSN)")
}

// loadEnvFile 已存在的环境变量优先，文件不存在时忽略
func loadEnvFile() {
	if envFile == "" {
		return
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Println("Error reading env file:", err)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Println("Error reading config file:", err)
		}
	}
}

// bootstrap 加载配置、初始化日志并连接数据库
func bootstrap() (*config.Config, *app.App, error) {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	override := dsn
	if override == "" {
		override = os.Getenv("DB_DSN")
	}
	db, err := app.OpenDatabase(cfg, app.DSN(cfg, override))
	if err != nil {
		return nil, nil, err
	}
	return cfg, app.New(cfg, db, app.OpenRedis(cfg.Redis), Version, logrus.StandardLogger()), nil
}
