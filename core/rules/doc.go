// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package rules holds the declarative per-resource permission model.

The configuration is loaded once at startup, validated against the
embedded JSON schema plus structural checks, and is immutable
afterwards. Lookups are pure.

A configuration document looks like this:

  {
    "resources": [
      {
        "resource": "users",
        "self_keyed": true,
        "owner_only": true,
        "allowed_columns": ["id", "email", "first_name"]
      },
      {
        "resource": "friends",
        "owner_only": true,
        "owner_identity_column": "&symmetric",
        "participant_columns": ["requester_id", "addressee_id"]
      }
    ],
    "buckets": [
      { "bucket": "avatars", "owner_prefixed": true, "mutable": true }
    ]
  }
*/
package rules

//go:generate go run github.com/relabs-tech/limen/tools/embed -type json -package rules
