package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

// CertManager serves the TLS credential shared by the DoT, DoQ and DoH
// listeners and reloads it when the files change on disk.
type CertManager struct {
	certPath string
	keyPath  string

	mu          sync.RWMutex
	certificate *tls.Certificate
	certMod     time.Time
	keyMod      time.Time

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCertManager loads the key pair and starts watching both files.
func NewCertManager(certPath, keyPath string) (*CertManager, error) {
	if certPath == "" || keyPath == "" {
		return nil, errors.New("tls certificate and private key required")
	}

	cm := &CertManager{
		certPath: certPath,
		keyPath:  keyPath,
		stopCh:   make(chan struct{}),
	}

	if err := cm.load(); err != nil {
		return nil, fmt.Errorf("could not load certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create watcher: %w", err)
	}
	cm.watcher = watcher

	// directories, the files may be replaced through symlinks
	dirs := []string{filepath.Dir(certPath)}
	if keyDir := filepath.Dir(keyPath); keyDir != dirs[0] {
		dirs = append(dirs, keyDir)
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("could not watch %s: %w", dir, err)
		}
	}

	go cm.watch()

	return cm, nil
}

func (cm *CertManager) load() error {
	cert, err := tls.LoadX509KeyPair(cm.certPath, cm.keyPath)
	if err != nil {
		return err
	}

	certMod, keyMod, err := cm.modTimes()
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.certificate = &cert
	cm.certMod, cm.keyMod = certMod, keyMod
	cm.mu.Unlock()

	zlog.Info("TLS certificate loaded", "cert", cm.certPath, "modified", certMod)

	return nil
}

func (cm *CertManager) modTimes() (time.Time, time.Time, error) {
	certInfo, err := os.Stat(cm.certPath)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	keyInfo, err := os.Stat(cm.keyPath)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	return certInfo.ModTime(), keyInfo.ModTime(), nil
}

// GetCertificate returns the current certificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.certificate == nil {
		return nil, errors.New("no certificate available")
	}

	return cm.certificate, nil
}

// GetTLSConfig returns a fresh config backed by GetCertificate.
func (cm *CertManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

func (cm *CertManager) watch() {
	defer cm.watcher.Close()

	// fsnotify may miss events on some filesystems
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopCh:
			return

		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}

			if cm.relevant(event) {
				zlog.Debug("Certificate file event", "event", event.String())
				cm.checkAndReload()
			}

		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("Certificate watcher failed", "error", err.Error())

		case <-ticker.C:
			cm.checkAndReload()
		}
	}
}

func (cm *CertManager) relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return false
	}

	name := filepath.Base(event.Name)
	return name == filepath.Base(cm.certPath) || name == filepath.Base(cm.keyPath)
}

func (cm *CertManager) checkAndReload() {
	certMod, keyMod, err := cm.modTimes()
	if err != nil {
		zlog.Warn("Certificate files unavailable", "cert", cm.certPath, "key", cm.keyPath, "error", err.Error())
		return
	}

	cm.mu.RLock()
	changed := certMod.After(cm.certMod) || keyMod.After(cm.keyMod)
	cm.mu.RUnlock()

	if !changed {
		return
	}

	zlog.Info("Certificate files changed, reloading", "cert", cm.certPath)

	// a pair caught mid-rotation keeps the previous certificate until the next event
	if err := cm.Reload(); err != nil {
		zlog.Error("Certificate reload failed", "error", err.Error())
	}
}

// Reload forces a certificate reload.
func (cm *CertManager) Reload() error {
	return cm.load()
}

// Stop stops watching. It is safe to call more than once.
func (cm *CertManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
