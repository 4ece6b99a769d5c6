// Package storage — объектное хранилище агента и audit log runs.
//
// Работает через github.com/viant/afs: схема URL выбирает backend.
// Схемы s3:// и gs:// регистрируются в бинарях импортом afsc.
package storage
