package staticanalysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apk-analysis/apk-static-go/internal/apkres"
	"github.com/apk-analysis/apk-static-go/internal/dex"
	"github.com/apk-analysis/apk-static-go/internal/dex/dextest"
	"github.com/apk-analysis/apk-static-go/internal/filter"
	"github.com/apk-analysis/apk-static-go/internal/refdata"
	"github.com/apk-analysis/apk-static-go/internal/refdata/refdatatest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockReader Mock 资源读取器
type MockReader struct {
	mock.Mock
}

func (m *MockReader) Read(ctx context.Context, apkPath string) (*apkres.Resources, error) {
	args := m.Called(ctx, apkPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apkres.Resources), args.Error(1)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func testResources() *apkres.Resources {
	return &apkres.Resources{
		Manifest: apkres.Manifest{
			ApplicationName:  "Example",
			PackageName:      "com.example.app",
			MinSDKVersion:    21,
			TargetSDKVersion: 28,
			VersionCode:      42,
			VersionName:      "4.2",
			UsePermissions: []string{
				"android.permission.INTERNET",
				"android.permission.READ_CALL_LOG",
				"android.permission.READ_CONTACTS",
				"android.permission.READ_PHONE_STATE",
			},
		},
		Strings:     map[string]string{"provider": "content://call_log/calls"},
		Arrays:      map[string][]string{},
		LayoutTexts: []string{"Sign in"},
	}
}

func testAPK(t *testing.T) string {
	t.Helper()
	b := dextest.New()
	b.Class("Lcom/example/app/Main;").VirtualMethod("onCreate", "()V",
		dextest.Invoke(0x6e, "Landroid/telephony/TelephonyManager;", "getDeviceId", "()Ljava/lang/String;"),
		dextest.Invoke(0x6e, "Landroid/location/LocationManager;", "getLastKnownLocation", "(Ljava/lang/String;)Landroid/location/Location;"),
		dextest.FieldOp(0x62, "Landroid/provider/ContactsContract$Contacts;", "CONTENT_URI", "Landroid/net/Uri;"),
		dextest.ConstString(0, "https://api.example.com/v1/login"),
		dextest.ReturnVoid(),
	)
	b.Class("Lcom/google/firebase/analytics/FirebaseAnalytics;")

	path, err := dextest.WriteAPK(t.TempDir(), "app.apk", map[string][]byte{
		"classes.dex": b.Bytes(),
		"assets/x":    []byte("x"),
	})
	require.NoError(t, err)
	return path
}

func newTestAnalyzer(t *testing.T, reader apkres.Reader, exact bool) *Analyzer {
	t.Helper()
	logger := testLogger()
	cache := refdata.NewCache(refdata.NewFSSource(refdatatest.FS()), logger)
	require.NoError(t, cache.Preload(context.Background()))

	return NewAnalyzer(Options{
		Reader: reader,
		Cache:  cache,
		Filter: filter.New(filter.Options{
			ExcludePackage:         []string{"androidx"},
			AndroidAPIPackage:      []string{"android", "java"},
			NumberPunctuationRatio: 0.5,
			MinStringLength:        3,
		}),
		Logger:        logger,
		ExactAPILevel: exact,
	})
}

// TestAnalyzer_Analyze 测试完整流程与声明权限交集
func TestAnalyzer_Analyze(t *testing.T) {
	path := testAPK(t)
	reader := new(MockReader)
	reader.On("Read", mock.Anything, path).Return(testResources(), nil).Once()

	result, err := newTestAnalyzer(t, reader, false).Analyze(context.Background(), path)
	require.NoError(t, err)
	reader.AssertExpectations(t)

	assert.Equal(t, "com.example.app-42.json", result.OutputName())
	assert.Equal(t, 28, result.APILevel)
	assert.Equal(t, int64(2), result.Traversal.Classes)
	assert.Zero(t, result.Traversal.Skipped)

	assert.Equal(t, []string{"android.permission.READ_PHONE_STATE"}, result.DexAPIPermissions.APICallPermissions)
	assert.Equal(t, []string{
		"android.permission.READ_CALL_LOG",
		"android.permission.READ_CONTACTS",
	}, result.DexAPIPermissions.ContentProviderPermissions)

	uris := make([]string, 0, len(result.Strings.URIs))
	for _, u := range result.Strings.URIs {
		uris = append(uris, u.URI)
	}
	assert.Equal(t, []string{"https://api.example.com/v1/login", "content://call_log/calls"}, uris)

	require.Len(t, result.Trackers, 1)
	assert.Equal(t, "49", result.Trackers[0].ID)

	assert.Equal(t, "app.apk", result.File.Name)
	assert.Positive(t, result.File.Size)
	assert.Len(t, result.File.MD5, 32)
	assert.Len(t, result.File.SHA256, 64)
}

// TestAnalyzer_ResultJSON 测试输出字段名
func TestAnalyzer_ResultJSON(t *testing.T) {
	path := testAPK(t)
	reader := new(MockReader)
	reader.On("Read", mock.Anything, path).Return(testResources(), nil)

	result, err := newTestAnalyzer(t, reader, false).Analyze(context.Background(), path)
	require.NoError(t, err)

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"manifest", "strings", "dexAPIPermissions", "trackers"} {
		assert.Contains(t, doc, key)
	}
	assert.Contains(t, string(doc["manifest"]), `"usePermissions":[`)
	assert.Contains(t, string(doc["dexAPIPermissions"]), `"apiCallPermissions":["android.permission.READ_PHONE_STATE"]`)
	assert.Contains(t, string(doc["strings"]), `"uris":["https://api.example.com/v1/login","content://call_log/calls"]`)
}

// TestAnalyzer_PerPackageErrors 测试单个 APK 级别的失败
func TestAnalyzer_PerPackageErrors(t *testing.T) {
	t.Run("manifest field missing", func(t *testing.T) {
		path := testAPK(t)
		reader := new(MockReader)
		reader.On("Read", mock.Anything, path).Return(nil, apkres.ErrMissingManifestField)

		_, err := newTestAnalyzer(t, reader, false).Analyze(context.Background(), path)
		assert.ErrorIs(t, err, apkres.ErrMissingManifestField)
		assert.False(t, IsFatal(err))
	})

	t.Run("malformed dex", func(t *testing.T) {
		path, err := dextest.WriteAPK(t.TempDir(), "bad.apk", map[string][]byte{
			"classes.dex": []byte("dex\n035\x00garbage"),
		})
		require.NoError(t, err)
		reader := new(MockReader)
		reader.On("Read", mock.Anything, path).Return(testResources(), nil)

		_, err = newTestAnalyzer(t, reader, false).Analyze(context.Background(), path)
		assert.ErrorIs(t, err, dex.ErrFormat)
		assert.False(t, IsFatal(err))
	})

	t.Run("missing file", func(t *testing.T) {
		reader := new(MockReader)
		_, err := newTestAnalyzer(t, reader, false).Analyze(context.Background(), "/nonexistent/app.apk")
		assert.Error(t, err)
		reader.AssertNotCalled(t, "Read", mock.Anything, mock.Anything)
	})
}

// TestAnalyzer_NoAPILevel 测试精确匹配 API 级别失败时为致命错误
func TestAnalyzer_NoAPILevel(t *testing.T) {
	path := testAPK(t)
	res := testResources()
	res.Manifest.TargetSDKVersion = 27
	reader := new(MockReader)
	reader.On("Read", mock.Anything, path).Return(res, nil)

	_, err := newTestAnalyzer(t, reader, true).Analyze(context.Background(), path)
	assert.ErrorIs(t, err, refdata.ErrNoAPILevel)
	assert.True(t, IsFatal(err))

	result, err := newTestAnalyzer(t, reader, false).Analyze(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 28, result.APILevel)
}

type countingReader struct {
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (r *countingReader) Read(ctx context.Context, apkPath string) (*apkres.Resources, error) {
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)
	return testResources(), nil
}

// TestAnalyzer_Concurrent 测试并发分析时资源读取互斥
func TestAnalyzer_Concurrent(t *testing.T) {
	path := testAPK(t)
	reader := &countingReader{}
	a := newTestAnalyzer(t, reader, false)

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Analyze(context.Background(), path); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failed.Load())
	assert.False(t, reader.overlap.Load())
}

// TestAnalyzer_Cancelled 测试取消
func TestAnalyzer_Cancelled(t *testing.T) {
	path := testAPK(t)
	reader := new(MockReader)
	reader.On("Read", mock.Anything, path).Return(testResources(), nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestAnalyzer(t, reader, false).Analyze(ctx, path)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestIntersect(t *testing.T) {
	assert.Equal(t, []string{"a", "c"}, intersect([]string{"c", "a", "x"}, []string{"a", "b", "c"}))
	assert.Empty(t, intersect(nil, []string{"a"}))
	assert.NotNil(t, intersect(nil, nil))
}
