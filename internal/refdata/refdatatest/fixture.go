// Package refdatatest 提供小型参考数据集，供测试使用
package refdatatest

import (
	"fmt"
	"testing/fstest"
)

// 数据集中使用的 Dalvik 描述符
const (
	GetDeviceID         = "Landroid/telephony/TelephonyManager;->getDeviceId()Ljava/lang/String;"
	GetLastKnownLoc     = "Landroid/location/LocationManager;->getLastKnownLocation(Ljava/lang/String;)Landroid/location/Location;"
	BuildSerial         = "Landroid/os/Build;->SERIAL:Ljava/lang/String;"
	ContactsContentURI  = "Landroid/provider/ContactsContract$Contacts;->CONTENT_URI:Landroid/net/Uri;"
	CallLogContentURI   = "Landroid/provider/CallLog$Calls;->CONTENT_URI:Landroid/net/Uri;"
	OnlyInLevel33Method = "Landroid/app/NotificationManager;->notify(ILandroid/app/Notification;)V"
)

const mapping = `[
  {
    "api": {"type": "method", "class_name": "android.telephony.TelephonyManager", "name": "getDeviceId",
            "signature": "java.lang.String getDeviceId()", "dalvik_descriptor": %q,
            "args": [], "return_value": "java.lang.String"},
    "permission_groups": [{"permissions": ["android.permission.READ_PHONE_STATE"], "any_of": false, "conditional": false}]
  },
  {
    "api": {"type": "method", "class_name": "android.location.LocationManager", "name": "getLastKnownLocation",
            "signature": "android.location.Location getLastKnownLocation(java.lang.String)", "dalvik_descriptor": %q,
            "args": ["java.lang.String"], "return_value": "android.location.Location"},
    "permission_groups": [{"permissions": ["android.permission.ACCESS_FINE_LOCATION", "android.permission.ACCESS_COARSE_LOCATION"], "any_of": true, "conditional": false}]
  },
  {
    "api": {"type": "field", "class_name": "android.os.Build", "name": "SERIAL",
            "signature": "java.lang.String SERIAL", "dalvik_descriptor": %q, "field_type": "java.lang.String"},
    "permission_groups": [{"permissions": ["android.permission.READ_PHONE_STATE"], "any_of": false, "conditional": true}]
  }%s
]`

const level33Extra = `,
  {
    "api": {"type": "method", "class_name": "android.app.NotificationManager", "name": "notify",
            "signature": "void notify(int, android.app.Notification)", "dalvik_descriptor": "` + OnlyInLevel33Method + `",
            "args": ["int", "android.app.Notification"], "return_value": "void"},
    "permission_groups": [{"permissions": ["android.permission.POST_NOTIFICATIONS"], "any_of": false, "conditional": false}]
  }`

const contentProviders = `[
  {
    "package": "com.android.providers.contacts", "name": "com.android.providers.contacts.ContactsProvider2",
    "authorities": ["contacts", "com.android.contacts"], "exported": true,
    "read_permission": "android.permission.READ_CONTACTS", "write_permission": "android.permission.WRITE_CONTACTS",
    "has_uri_permission": false, "grant_uri_permissions": []
  },
  {
    "package": "com.android.providers.contacts", "name": "com.android.providers.contacts.CallLogProvider",
    "authorities": ["call_log"], "exported": true,
    "read_permission": "android.permission.READ_CALL_LOG", "write_permission": "android.permission.WRITE_CALL_LOG",
    "has_uri_permission": false, "grant_uri_permissions": []
  },
  {
    "package": "com.android.providers.settings", "name": "com.android.providers.settings.SettingsProvider",
    "authorities": ["settings"], "exported": true,
    "read_permission": null, "write_permission": "android.permission.WRITE_SETTINGS",
    "has_uri_permission": true, "grant_uri_permissions": [{"type": "prefix", "path": "/"}]
  }
]`

const authorityClasses = `{
  "com.android.contacts": {
    "authority": "com.android.contacts",
    "names": ["android.provider.ContactsContract"],
    "related_names": ["android.provider.ContactsContract$Contacts"]
  },
  "call_log": {
    "authority": "call_log",
    "names": ["android.provider.CallLog"],
    "related_names": ["android.provider.CallLog$Calls"]
  }
}`

const trackers = `{
  "trackers": [
    {
      "id": "49", "name": "Google Firebase Analytics",
      "code_signature": "com.google.firebase.analytics.|com.google.android.gms.measurement.",
      "network_signature": "firebase.com|app-measurement.com",
      "website": "https://firebase.google.com/", "category": ["Analytics"],
      "is_in_exodus": true, "documentation": []
    },
    {
      "id": "119", "name": "Umeng Analytics",
      "code_signature": "com.umeng.analytics.|com.umeng.commonsdk.",
      "network_signature": "alog.umeng.com|alog\\.umeng\\.co",
      "website": "", "category": ["Analytics"],
      "is_in_exodus": true, "documentation": []
    },
    {
      "id": "900", "name": "Not In Exodus",
      "code_signature": "com.example.",
      "network_signature": "example.com",
      "website": "https://example.com", "category": [],
      "is_in_exodus": false, "documentation": []
    },
    {
      "id": "901", "name": "No Signatures",
      "code_signature": "", "network_signature": " | ",
      "website": null, "category": [],
      "is_in_exodus": true, "documentation": []
    }
  ]
}`

// FS 包含 sdk-26、sdk-28、sdk-33 三个映射级别的数据集
func FS() fstest.MapFS {
	base := fmt.Sprintf(mapping, GetDeviceID, GetLastKnownLoc, BuildSerial, "")
	withExtra := fmt.Sprintf(mapping, GetDeviceID, GetLastKnownLoc, BuildSerial, level33Extra)

	return fstest.MapFS{
		"android_info/api_permission_mappings/sdk-26.json":      {Data: []byte(base)},
		"android_info/api_permission_mappings/sdk-28.json":      {Data: []byte(base)},
		"android_info/api_permission_mappings/sdk-33.json":      {Data: []byte(withExtra)},
		"android_info/api_permission_mappings/README.md":        {Data: []byte("not a mapping")},
		"android_info/content_providers/content_providers.json": {Data: []byte(contentProviders)},
		"android_info/content_providers/authority_classes.json": {Data: []byte(authorityClasses)},
		"android_info/trackers/trackers.json":                   {Data: []byte(trackers)},
	}
}
