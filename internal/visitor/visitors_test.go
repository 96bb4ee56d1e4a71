package visitor

import (
	"context"
	"sync"
	"testing"

	"github.com/apk-analysis/apk-static-go/internal/dex"
	"github.com/apk-analysis/apk-static-go/internal/dex/dextest"
	"github.com/apk-analysis/apk-static-go/internal/filter"
	"github.com/apk-analysis/apk-static-go/internal/traversal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFilter() *filter.AnalysisFilter {
	return filter.New(filter.Options{
		ExcludePackage:         []string{"androidx", "kotlin"},
		AndroidAPIPackage:      []string{"android", "java"},
		NumberPunctuationRatio: 0.5,
		MinStringLength:        3,
	})
}

func traverse(t *testing.T, b *dextest.Builder, visitors ...traversal.Visitor) {
	t.Helper()
	f, err := dex.Parse("classes.dex", b.Bytes())
	require.NoError(t, err)
	_, err = traversal.New(traversal.Options{}).Traverse(context.Background(), &dex.Container{Files: []*dex.File{f}}, visitors...)
	require.NoError(t, err)
}

// TestSet 测试并发写入
func TestSet(t *testing.T) {
	s := NewSet[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Add(i % 10)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, s.Len())
	assert.True(t, s.Contains(3))
	assert.False(t, s.Contains(10))
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, s.Items())
}

// TestPackageVisitor 测试包名收集，默认包不计入
func TestPackageVisitor(t *testing.T) {
	b := dextest.New()
	b.Class("Lcom/example/a/A;")
	b.Class("Lcom/example/a/B;")
	b.Class("Lcom/umeng/analytics/C;")
	b.Class("LDefault;")

	v := NewPackageVisitor()
	traverse(t, b, v)

	assert.Equal(t, []string{"com.example.a", "com.umeng.analytics"}, v.Packages())
}

// TestStringVisitor 测试字段初值与 const-string 收集，排除包整体跳过
func TestStringVisitor(t *testing.T) {
	b := dextest.New()
	b.Class("Lcom/example/Config;").
		StaticField("HOST", "Ljava/lang/String;", dextest.String("https://api.example.com")).
		StaticField("PORT", "I", dextest.Int(443)).
		VirtualMethod("load", "()V",
			dextest.ConstString(0, "content://com.example.provider/items"),
			dextest.ConstStringJumbo(1, "jumbo"),
			dextest.ReturnVoid())
	b.Class("Landroidx/core/Compat;").
		StaticField("X", "Ljava/lang/String;", dextest.String("excluded field")).
		VirtualMethod("m", "()V", dextest.ConstString(0, "excluded literal"), dextest.ReturnVoid())

	v := NewStringVisitor(testFilter())
	traverse(t, b, v)

	assert.Equal(t, []string{
		"content://com.example.provider/items",
		"https://api.example.com",
		"jumbo",
	}, v.Strings())
}

// TestAPICallVisitor 测试 API 调用收集
func TestAPICallVisitor(t *testing.T) {
	b := dextest.New()
	b.Class("Lcom/example/Tracker;").
		VirtualMethod("collect", "()V",
			dextest.Invoke(0x6e, "Landroid/telephony/TelephonyManager;", "getDeviceId", "()Ljava/lang/String;"),
			dextest.Invoke(0x71, "Ljava/lang/System;", "currentTimeMillis", "()J"),
			dextest.Invoke(0x71, "Lcom/example/Util;", "helper", "()V"),
			dextest.FieldOp(0x62, "Landroid/os/Build;", "SERIAL", "Ljava/lang/String;"),
			dextest.FieldOp(0x62, "Lcom/example/Util;", "CACHE", "Ljava/lang/String;"),
			dextest.InvokeCustom(0),
			dextest.Invoke(0x6e, "Landroid/telephony/TelephonyManager;", "getDeviceId", "()Ljava/lang/String;"),
			dextest.ReturnVoid())
	b.Class("Lkotlin/io/FilesKt;").
		VirtualMethod("read", "()V",
			dextest.Invoke(0x6e, "Ljava/io/File;", "delete", "()Z"),
			dextest.ReturnVoid())

	v := NewAPICallVisitor(testFilter())
	traverse(t, b, v)

	calls := v.Calls()
	assert.Equal(t, []dex.FieldRef{
		{DefiningClass: "Landroid/os/Build;", Name: "SERIAL", Type: "Ljava/lang/String;"},
	}, calls.Fields)
	assert.Equal(t, []dex.MethodRef{
		{DefiningClass: "Landroid/telephony/TelephonyManager;", Name: "getDeviceId", Proto: "()Ljava/lang/String;"},
		{DefiningClass: "Ljava/lang/System;", Name: "currentTimeMillis", Proto: "()J"},
	}, calls.Methods)
}
