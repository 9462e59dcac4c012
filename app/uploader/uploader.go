package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"vod-transcoder/app/config"
	"vod-transcoder/app/logger"
	"vod-transcoder/app/metrics"
)

// remoteFS 上传用到的远端文件操作
type remoteFS interface {
	Getwd() (string, error)
	MkdirAll(dir string) error
	Create(name string) (io.WriteCloser, error)
	Chmod(name string, mode os.FileMode) error
	Chown(name string, uid, gid int) error
	Close() error
}

// dialFunc 建立新的远端会话
type dialFunc func(ctx context.Context) (remoteFS, error)

// Uploader 通过 SFTP 把产物投递到源站。
// 多个 worker 共享同一个会话，复用前做健康检查，失效时重连。
type Uploader struct {
	cfg  config.UploadConfig
	log  *logger.Logger
	dial dialFunc

	mu      sync.Mutex
	session remoteFS
}

// New 创建上传器，认证方式与主机密钥校验在此确定，连接延迟到首次上传
func New(cfg config.UploadConfig, log *logger.Logger) (*Uploader, error) {
	sshCfg, err := clientConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	u := &Uploader{cfg: cfg, log: log}
	u.dial = func(ctx context.Context) (remoteFS, error) {
		return dialSFTP(ctx, cfg, sshCfg)
	}
	return u, nil
}

// newWithDialer 测试使用
func newWithDialer(cfg config.UploadConfig, log *logger.Logger, dial dialFunc) *Uploader {
	return &Uploader{cfg: cfg, log: log, dial: dial}
}

// Layout 普通内容与受限内容的远端布局，结构相同
func (u *Uploader) Layout(restricted bool) Layout {
	if restricted {
		return Layout{Base: u.cfg.RestrictedBase, PublicURL: u.cfg.RestrictedPublicURL}
	}
	return Layout{Base: u.cfg.RemoteBase, PublicURL: u.cfg.PublicURL}
}

// getSession 返回可用会话，必要时重连
func (u *Uploader) getSession(ctx context.Context) (remoteFS, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.session != nil {
		if _, err := u.session.Getwd(); err == nil {
			return u.session, nil
		}
		u.log.Warnf("SFTP 会话已失效，重新连接: %s", u.cfg.Host)
		_ = u.session.Close()
		u.session = nil
		metrics.SFTPReconnectsTotal.Inc()
	}

	s, err := u.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("连接 SFTP 失败: %w", err)
	}
	u.session = s
	u.log.Infof("SFTP 已连接: %s@%s", u.cfg.User, u.cfg.Host)
	return s, nil
}

// UploadFile 上传单个文件，自动创建远端父目录
func (u *Uploader) UploadFile(ctx context.Context, local, remote string) error {
	s, err := u.getSession(ctx)
	if err != nil {
		return err
	}
	if err := s.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("创建远端目录失败 %s: %w", path.Dir(remote), err)
	}
	if err := u.copyFile(ctx, s, local, remote); err != nil {
		return err
	}
	u.applyMode(s, remote, false)
	u.applyOwner(s, remote)
	return nil
}

// UploadDirectory 递归上传目录。单个文件失败只记录日志并继续，
// 返回成功传输的相对路径（以 / 分隔）。
func (u *Uploader) UploadDirectory(ctx context.Context, localDir, remoteDir string) (Transferred, error) {
	s, err := u.getSession(ctx)
	if err != nil {
		return nil, err
	}

	var (
		done Transferred
		dirs []string
	)
	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		target := path.Join(remoteDir, filepath.ToSlash(rel))

		if d.IsDir() {
			if err := s.MkdirAll(target); err != nil {
				return fmt.Errorf("创建远端目录失败 %s: %w", target, err)
			}
			dirs = append(dirs, target)
			return nil
		}

		if err := u.copyFile(ctx, s, p, target); err != nil {
			u.log.Warnf("上传文件失败，跳过: %s, 错误: %v", p, err)
			return nil
		}
		done = append(done, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return done, fmt.Errorf("上传目录失败 %s: %w", localDir, err)
	}

	for _, d := range dirs {
		u.applyMode(s, d, true)
		u.applyOwner(s, d)
	}
	for _, f := range done {
		target := path.Join(remoteDir, f)
		u.applyMode(s, target, false)
		u.applyOwner(s, target)
	}

	u.log.Infof("目录上传完成: %s -> %s, 文件数=%d", localDir, remoteDir, len(done))
	return done, nil
}

func (u *Uploader) copyFile(ctx context.Context, s remoteFS, local, remote string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(local)
	if err != nil {
		metrics.UploadedFilesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("打开本地文件失败: %w", err)
	}
	defer src.Close()

	dst, err := s.Create(remote)
	if err != nil {
		metrics.UploadedFilesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("创建远端文件失败 %s: %w", remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		metrics.UploadedFilesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("写入远端文件失败 %s: %w", remote, err)
	}
	if err := dst.Close(); err != nil {
		metrics.UploadedFilesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("关闭远端文件失败 %s: %w", remote, err)
	}
	metrics.UploadedFilesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (u *Uploader) applyMode(s remoteFS, name string, dir bool) {
	mode := u.cfg.FileMode
	if dir {
		mode = u.cfg.DirMode
	}
	if mode == 0 {
		return
	}
	if err := s.Chmod(name, os.FileMode(mode)); err != nil {
		u.log.Warnf("设置远端权限失败: %s, 错误: %v", name, err)
	}
}

func (u *Uploader) applyOwner(s remoteFS, name string) {
	if u.cfg.UID < 0 || u.cfg.GID < 0 {
		return
	}
	if err := s.Chown(name, u.cfg.UID, u.cfg.GID); err != nil {
		u.log.Warnf("设置远端属主失败: %s, 错误: %v", name, err)
	}
}

// Close 关闭缓存的会话
func (u *Uploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.session == nil {
		return nil
	}
	err := u.session.Close()
	u.session = nil
	return err
}

// Transferred 已上传文件的相对路径
type Transferred []string

// Has 是否包含指定相对路径
func (t Transferred) Has(rel string) bool {
	for _, f := range t {
		if f == rel {
			return true
		}
	}
	return false
}

// CountExt 扩展名匹配的文件数，ext 带点
func (t Transferred) CountExt(ext string) int {
	n := 0
	for _, f := range t {
		if path.Ext(f) == ext {
			n++
		}
	}
	return n
}

// clientConfig 构造 SSH 客户端配置
func clientConfig(cfg config.UploadConfig, log *logger.Logger) (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("读取私钥失败: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("解析私钥失败: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auths = append(auths, ssh.Password(cfg.Password))
	}
	if len(auths) == 0 {
		return nil, errors.New("未配置 SFTP 认证方式")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("加载 known_hosts 失败: %w", err)
		}
		hostKey = cb
	} else {
		log.Warnf("未配置 upload.known_hosts，将不校验 %s 的主机密钥", cfg.Host)
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKey,
		Timeout:         cfg.DialTimeout,
	}, nil
}

// sftpFS 基于 pkg/sftp 的 remoteFS，关闭时一并关闭 SSH 连接
type sftpFS struct {
	*sftp.Client
	conn *ssh.Client
}

func (f *sftpFS) Create(name string) (io.WriteCloser, error) {
	return f.Client.Create(name)
}

func (f *sftpFS) Close() error {
	err := f.Client.Close()
	if cerr := f.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func dialSFTP(ctx context.Context, cfg config.UploadConfig, sshCfg *ssh.ClientConfig) (remoteFS, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	client := ssh.NewClient(c, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &sftpFS{Client: sc, conn: client}, nil
}
