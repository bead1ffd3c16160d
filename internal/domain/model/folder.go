// folder.go — Folder: иерархия папок пользователя с денормализованным
// абсолютным путём. Путь и глубина пересчитываются при create/move/rename
// и каскадно обновляются у потомков.
package model

import (
	"strings"
	"time"
)

// Folder — папка пользователя.
// Пара (UserID, Path) уникальна; циклы запрещены.
type Folder struct {
	// ID — уникальный идентификатор (UUID v4)
	ID string `json:"id"`

	// UserID — владелец папки
	UserID string `json:"user_id"`

	// Name — имя папки (после санитизации)
	Name string `json:"name"`

	// ParentID — родительская папка, nil для корневого уровня
	ParentID *string `json:"parent_id,omitempty"`

	// Path — абсолютный путь вида /a/b
	Path string `json:"path"`

	// Depth — глубина вложенности: количество '/' в пути минус один
	Depth int `json:"depth"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChildPath строит путь дочерней папки.
func ChildPath(parentPath, name string) string {
	if parentPath == "" || parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// PathDepth вычисляет глубину по абсолютному пути.
func PathDepth(path string) int {
	return strings.Count(path, "/") - 1
}
