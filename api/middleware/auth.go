/*
Copyright 2025 Churnpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/churnlabs/churnpipe/config"
)

const (
	// KeyHeader carries the service secret in secure mode.
	KeyHeader = "X-Churnpipe-Key"
	// TenantHeader carries the authenticated tenant identity. The auth
	// collaborator in front of this service is trusted to have verified it.
	TenantHeader = "X-Tenant-Id"

	tenantContextKey = "tenant_id"
)

// Authenticate checks the service key in secure mode and resolves the
// caller's tenant. Requests without a tenant never reach a handler.
func Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/" {
			c.Next()
			return
		}

		conf, err := config.Fetch()
		if err == nil && conf.Server.Secure {
			if c.GetHeader(KeyHeader) != conf.Server.SecretKey {
				c.JSON(401, gin.H{"error": "Authentication required. Use " + KeyHeader + " header"})
				c.Abort()
				return
			}
		}

		tenant := c.GetHeader(TenantHeader)
		if tenant == "" {
			c.JSON(403, gin.H{"error": "tenant identity missing. Use " + TenantHeader + " header"})
			c.Abort()
			return
		}

		c.Set(tenantContextKey, tenant)
		c.Next()
	}
}

// TenantID returns the tenant resolved by Authenticate.
func TenantID(c *gin.Context) string {
	return c.GetString(tenantContextKey)
}
