package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	MessageEvent string `mapstructure:"message_event"`
}

// GatewayConfig 外部消息网关配置
// access_token 的刷新由外部负责，这里只透传
type GatewayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	AccessToken    string `mapstructure:"access_token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type BusinessConfig struct {
	MaxRetryCount           int `mapstructure:"max_retry_count"`
	RecallWindowSeconds     int `mapstructure:"recall_window_seconds"`
	DispatchWorkers         int `mapstructure:"dispatch_workers"`
	DispatchPollMillis      int `mapstructure:"dispatch_poll_millis"`
	DispatchTimeoutSeconds  int `mapstructure:"dispatch_timeout_seconds"` // dispatching 状态卡死判定阈值
	RetryIntervalSeconds    int `mapstructure:"retry_interval_seconds"`   // 重试调度器扫描周期
	RetryBackoffBaseSeconds int `mapstructure:"retry_backoff_base_seconds"`
	RetryBackoffMaxSeconds  int `mapstructure:"retry_backoff_max_seconds"`
	BatchMaxSize            int `mapstructure:"batch_max_size"`
	ContentMaxLength        int `mapstructure:"content_max_length"`
	ManualRetryRateLimit    int `mapstructure:"manual_retry_rate_limit"` // 每用户每分钟手动重试上限
}

// RecallWindow 撤回窗口时长
func (c *BusinessConfig) RecallWindow() time.Duration {
	return time.Duration(c.RecallWindowSeconds) * time.Second
}

// DispatchTimeout dispatching 状态超时阈值
func (c *BusinessConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
