// Package config загружает конфигурацию из окружения и YAML файла.
package config
