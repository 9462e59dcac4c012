package uploader

import (
	"path"
	"strconv"
	"strings"
)

// Layout 远端目录布局与公开地址，纯字符串拼接
type Layout struct {
	Base      string // 远端根目录，如 /var/www/media
	PublicURL string // 对外访问地址，如 https://cdn.example.com/media
}

// HLSDir {base}/hls/{videoID}
func (l Layout) HLSDir(videoID string) string {
	return path.Join(l.Base, "hls", videoID)
}

// MasterPlaylist {base}/hls/{videoID}/master.m3u8
func (l Layout) MasterPlaylist(videoID string) string {
	return path.Join(l.HLSDir(videoID), "master.m3u8")
}

// CoversDir {base}/hls/{videoID}/covers
func (l Layout) CoversDir(videoID string) string {
	return path.Join(l.HLSDir(videoID), "covers")
}

// Cover 第 k 张封面，ext 不带点
func (l Layout) Cover(videoID string, k int, ext string) string {
	return path.Join(l.CoversDir(videoID), "cover_"+strconv.Itoa(k)+"."+strings.TrimPrefix(ext, "."))
}

// Preview {base}/previews/{filename}
func (l Layout) Preview(filename string) string {
	return path.Join(l.Base, "previews", filename)
}

// URL 把远端路径映射为公开地址；不在 Base 下的路径原样返回
func (l Layout) URL(remotePath string) string {
	base := strings.TrimSuffix(l.Base, "/")
	rel, ok := strings.CutPrefix(remotePath, base+"/")
	if !ok || l.PublicURL == "" {
		return remotePath
	}
	return strings.TrimSuffix(l.PublicURL, "/") + "/" + rel
}
