package utils

import (
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// 文件系统和远端路径中不安全的字符
var unsafeNameChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// TitleFromFilename 由文件名推导标题：去掉扩展名，统一为 NFC，
// 避免 macOS 投放的 NFD 文件名在远端与同名标题不相等。
func TitleFromFilename(filename string) string {
	base := filepath.Base(filename)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	title = norm.NFC.String(title)
	title = strings.ReplaceAll(title, "_", " ")
	return strings.Join(strings.Fields(title), " ")
}

// SanitizeName 生成可用于本地目录与远端路径的名称
func SanitizeName(name string) string {
	name = norm.NFC.String(name)
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._-")
	if name == "" {
		return "video"
	}
	return name
}
