package sw

// 内置策略常量：缓存版本号与预缓存清单。版本号变化是让旧缓存失效的唯一方式。
const (
	DefaultCacheVersion   = "holy-huddle-v4"
	DefaultOfflineShell   = "/index.html"
	DefaultOfflineMessage = "Offline – no cached version"
)

var defaultAssets = []string{
	"/",
	"/index.html",
	"/create-session.html",
	"/session.html",
	"/styles.css",
	"/manifest.json",
	"/bibles/net.json",
	"/js/create-session.js",
	"/js/session.js",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

// DefaultAssets 返回内置清单的副本。
func DefaultAssets() []string {
	return append([]string(nil), defaultAssets...)
}

// Manifest 是安装阶段尝试预缓存的有序路径列表，运行期间不可变。
type Manifest struct {
	paths []string
}

// NewManifest 复制 paths 构造清单，调用方后续修改切片不会影响清单。
func NewManifest(paths []string) Manifest {
	return Manifest{paths: append([]string(nil), paths...)}
}

// Paths 返回清单路径的副本。
func (m Manifest) Paths() []string {
	return append([]string(nil), m.paths...)
}

// Len 返回清单条目数。
func (m Manifest) Len() int {
	return len(m.paths)
}
