package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Pool Proxy Dashboard</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root,[data-theme="dark"]{
  --bg:#0f1117;--bg-card:#161b22;--bg-card-hover:#1c2129;--bg-input:#0d1117;
  --border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;--text-dim:#484f58;
  --primary:#58a6ff;--primary-hover:#79b8ff;
  --green:#3fb950;--red:#f85149;--yellow:#d29922;--orange:#db6d28;
  --radius:8px;--radius-sm:4px;
}
[data-theme="light"]{
  --bg:#f6f8fa;--bg-card:#ffffff;--bg-card-hover:#f3f4f6;--bg-input:#f0f1f3;
  --border:#d0d7de;--text:#1f2328;--text-muted:#656d76;--text-dim:#8b949e;
  --primary:#0969da;--primary-hover:#0550ae;
  --green:#1a7f37;--red:#cf222e;--yellow:#9a6700;--orange:#bc4c00;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
button{cursor:pointer;font-family:inherit;font-size:inherit}

.container{max-width:1200px;margin:0 auto;padding:0 24px 48px}

header{background:var(--bg-card);border-bottom:1px solid var(--border);padding:12px 24px;position:sticky;top:0;z-index:100}
.header-inner{max-width:1200px;margin:0 auto;display:flex;align-items:center;gap:16px;flex-wrap:wrap}
.header-title{font-size:20px;font-weight:700}
.header-badges{display:flex;gap:8px;align-items:center;margin-left:auto}
.badge{display:inline-flex;align-items:center;gap:4px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
.dot{width:8px;height:8px;border-radius:50%;display:inline-block}
.dot-green{background:var(--green)}.dot-red{background:var(--red)}.dot-gray{background:var(--text-dim)}

.summary{display:grid;grid-template-columns:repeat(4,1fr);gap:16px;margin:24px 0}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:20px}
.card-label{font-size:12px;text-transform:uppercase;letter-spacing:.5px;color:var(--text-muted);margin-bottom:4px}
.card-value{font-size:32px;font-weight:700;line-height:1.2}
.card-value.danger{color:var(--red)}

.toolbar{display:flex;align-items:center;gap:12px;margin-bottom:16px;flex-wrap:wrap}
.btn{display:inline-flex;align-items:center;gap:6px;padding:6px 14px;border-radius:var(--radius);font-size:13px;font-weight:500;border:1px solid var(--border);background:var(--bg-card);color:var(--text);transition:.15s}
.btn:hover{background:var(--bg-card-hover)}
.btn-danger{color:var(--red);border-color:var(--red)}
.btn-danger:hover{background:rgba(248,81,73,.15)}

.table-wrap{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:auto}
table{width:100%;border-collapse:collapse;font-size:14px}
thead{position:sticky;top:0;background:var(--bg-card);z-index:1}
th{text-align:left;padding:12px 16px;font-weight:600;color:var(--text-muted);border-bottom:1px solid var(--border);white-space:nowrap;font-size:12px;text-transform:uppercase;letter-spacing:.5px}
td{padding:10px 16px;border-bottom:1px solid var(--border);white-space:nowrap}
tbody tr:last-child td{border-bottom:none}
.health-badge{display:inline-flex;align-items:center;gap:5px;padding:2px 8px;border-radius:12px;font-size:12px;font-weight:600}
.health-healthy{color:var(--green);background:rgba(63,185,80,.12)}
.health-unhealthy{color:var(--red);background:rgba(248,81,73,.12)}
.health-unknown{color:var(--text-muted);background:rgba(139,148,158,.12)}
.empty{padding:40px;text-align:center;color:var(--text-muted)}
</style>
</head>
<body>
<header>
  <div class="header-inner">
    <div class="header-title">Pool Proxy</div>
    <div class="header-badges" id="overall-badge"></div>
  </div>
</header>

<div class="container">
  <div class="summary" id="summary"></div>

  <div class="toolbar">
    <strong>Endpoints</strong>
  </div>

  <div class="table-wrap">
    <table>
      <thead>
        <tr><th>Endpoint</th><th>Status</th><th>Failures</th><th>Last Error</th><th>Actions</th></tr>
      </thead>
      <tbody id="endpoint-rows"></tbody>
    </table>
  </div>
</div>

<script>
async function fetchJSON(path, opts) {
  const res = await fetch(path, opts);
  if (!res.ok) throw new Error(path + ': ' + res.status);
  return res.json();
}

function healthBadge(status) {
  const cls = status === 'healthy' ? 'health-healthy' : status === 'unhealthy' ? 'health-unhealthy' : 'health-unknown';
  return '<span class="health-badge ' + cls + '">' + status + '</span>';
}

async function pauseEndpoint(id) {
  await fetchJSON('/endpoints/' + encodeURIComponent(id) + '/pause', {method: 'POST'});
  refresh();
}

async function resumeEndpoint(id) {
  await fetchJSON('/endpoints/' + encodeURIComponent(id) + '/resume', {method: 'POST'});
  refresh();
}

async function refresh() {
  try {
    const [status, endpoints] = await Promise.all([
      fetchJSON('/status'),
      fetchJSON('/endpoints'),
    ]);

    document.getElementById('summary').innerHTML =
      '<div class="card"><div class="card-label">Uptime</div><div class="card-value">' + status.uptime_seconds + 's</div></div>' +
      '<div class="card"><div class="card-label">Endpoints</div><div class="card-value">' + status.num_endpoints + '</div></div>' +
      '<div class="card"><div class="card-label">Goroutines</div><div class="card-value">' + status.goroutines + '</div></div>' +
      '<div class="card"><div class="card-label">Memory (MB)</div><div class="card-value">' + status.memory_mb.toFixed(1) + '</div></div>';

    const unhealthy = endpoints.filter(e => e.health.status === 'unhealthy').length;
    document.getElementById('overall-badge').innerHTML = unhealthy === 0
      ? '<span class="badge badge-healthy"><span class="dot dot-green"></span>all healthy</span>'
      : '<span class="badge badge-unhealthy"><span class="dot dot-red"></span>' + unhealthy + ' unhealthy</span>';

    const rows = endpoints.map(e => {
      const actionBtn = e.paused
        ? '<button class="btn" onclick="resumeEndpoint(\'' + e.id + '\')">Resume</button>'
        : '<button class="btn btn-danger" onclick="pauseEndpoint(\'' + e.id + '\')">Pause</button>';
      return '<tr><td>' + e.id + (e.paused ? ' (paused)' : '') + '</td><td>' + healthBadge(e.health.status) +
        '</td><td>' + (e.health.consecutive_failures || 0) + '</td><td>' + (e.health.last_error || '') +
        '</td><td>' + actionBtn + '</td></tr>';
    });
    document.getElementById('endpoint-rows').innerHTML = rows.length ? rows.join('') : '<tr><td colspan="5" class="empty">no endpoints configured</td></tr>';
  } catch (e) {
    console.error(e);
  }
}

refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>`
